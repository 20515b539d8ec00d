package domain

import "time"

const (
	FailExecution  = "fail_execution"
	SkipDependents = "skip_dependents"
)

type StepRetry struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BackoffMin time.Duration `json:"backoff_min" yaml:"backoff_min"`
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

type StepDefinition struct {
	ID            string            `json:"id" yaml:"id"`
	Type          string            `json:"type" yaml:"type"`
	Config        map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Retry         StepRetry         `json:"retry" yaml:"retry"`
}

type WorkflowSettings struct {
	TimeoutSeconds  int           `json:"timeout_seconds" yaml:"timeout_seconds"`
	NoOverlap       bool          `json:"no_overlap" yaml:"no_overlap"`
	FailurePolicy   string        `json:"failure_policy" yaml:"failure_policy"`
	MaxParallel     int           `json:"max_parallel" yaml:"max_parallel"`
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoffMin time.Duration `json:"retry_backoff_min" yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `json:"retry_backoff_max" yaml:"retry_backoff_max"`
	LockTTLSeconds  int           `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"-"`
	Description string           `json:"description" yaml:"description"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Settings    WorkflowSettings `json:"settings" yaml:"settings"`
	Created     time.Time        `json:"created" yaml:"-"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}
