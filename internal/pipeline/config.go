package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config bounds the external calls of a pipeline run.
type Config struct {
	// RetryAttempts caps tries per external call, including the first.
	RetryAttempts  int           `validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
	// AttemptTimeout is the wall-clock budget of a single call.
	AttemptTimeout time.Duration `validate:"gt=0"`
	// StaleAfter is how long a receipt may sit in a pending state before
	// it is treated as abandoned. It must exceed CallBudget so a live run
	// is never reclaimed.
	StaleAfter time.Duration `validate:"gtefield=AttemptTimeout"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:  3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		AttemptTimeout: 30 * time.Second,
		StaleAfter:     5 * time.Minute,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) check() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if budget := c.CallBudget(); c.StaleAfter <= budget {
		return fmt.Errorf("invalid pipeline config: stale after %s does not exceed the %s a retried call may take", c.StaleAfter, budget)
	}
	return nil
}

// CallBudget is the longest one external call may take with every retry
// timing out and every wait at MaxBackoff.
func (c Config) CallBudget() time.Duration {
	return time.Duration(c.RetryAttempts)*c.AttemptTimeout + time.Duration(c.RetryAttempts-1)*c.MaxBackoff
}
