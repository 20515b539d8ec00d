package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("step: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindStepExecution, Classify(context.Canceled))
	assert.Equal(t, KindStepExecution, Classify(errors.New("boom")))
	assert.Equal(t, KindLockContention, Classify(fmt.Errorf("wrap: %w", newError(KindLockContention, "lock", errors.New("held")))))
}

func TestEngineErrorUnwraps(t *testing.T) {
	base := errors.New("db down")
	err := newError(KindTransientInfrastructure, "claim", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "TransientInfrastructure: claim: db down", err.Error())
}
