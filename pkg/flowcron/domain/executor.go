package domain

import "time"

// Executor is one engine process. It registers on start and refreshes LastActive from its
// heartbeat loop, so a stale LastActive points at a dead worker whose claims the reaper
// will recover.
type Executor struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Started    time.Time `json:"started"`
	LastActive time.Time `json:"lastActive"`
}
