package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds the retries of optimistic ledger updates.
type RetryPolicy struct {
	Attempts       int           `mapstructure:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       20,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}

// Do calls fn until it succeeds, fails with an error other than ErrConflict,
// or the attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.InitialBackoff
	var err error
	for attempt := range attempts {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.MaxBackoff)
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
