package core

type ctxKey string

const (
	CtxKeyWorkerId    ctxKey = ctxKey("workerId")
	CtxKeyExecutionId ctxKey = ctxKey("executionId")
	CtxKeyUsername    ctxKey = ctxKey("username")
)
