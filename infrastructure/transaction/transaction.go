// Package transaction runs a sequence of named steps as one
// compensate-on-failure unit. The storage layer's unit of work builds on it
// to group multi-entity writes (a state transition plus its trust-history
// append, a dispute resolution plus its follow-up transfer) so a failure
// midway leaves no partial effect behind.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrTransactionFailed     = errors.New("transaction failed")
	ErrTransactionRolledBack = errors.New("transaction was rolled back")
	ErrCompensationFailed    = errors.New("compensation action failed")
)

// CompensationFunc undoes a step's effect during rollback.
type CompensationFunc func(ctx context.Context) error

// Step pairs an action with the compensation that reverses it. Steps with a
// nil compensation are skipped during rollback; reads and idempotent
// re-saves of an unchanged entity do not need one.
type Step struct {
	Name         string
	Action       func(ctx context.Context) error
	Compensation CompensationFunc
}

// Transaction accumulates steps and executes them in order.
type Transaction struct {
	steps         []Step
	executedSteps int
	mu            sync.Mutex
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

// AddStep appends a step; returns the transaction for chaining.
func (t *Transaction) AddStep(name string, action func(ctx context.Context) error, compensation CompensationFunc) *Transaction {
	t.steps = append(t.steps, Step{
		Name:         name,
		Action:       action,
		Compensation: compensation,
	})
	return t
}

// Execute runs every step in order. The first failing step triggers
// compensation of all previously executed steps, newest first, and the
// step's error is returned wrapped in ErrTransactionFailed.
func (t *Transaction) Execute(ctx context.Context) error {
	t.mu.Lock()
	t.executedSteps = 0
	t.mu.Unlock()

	for _, step := range t.steps {
		if err := step.Action(ctx); err != nil {
			t.rollback(ctx, t.executedSteps)
			return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, step.Name, err)
		}

		t.mu.Lock()
		t.executedSteps++
		t.mu.Unlock()
	}

	return nil
}

func (t *Transaction) rollback(ctx context.Context, stepsExecuted int) {
	for i := stepsExecuted - 1; i >= 0; i-- {
		step := &t.steps[i]
		if step.Compensation == nil {
			continue
		}
		if err := step.Compensation(ctx); err != nil {
			// Keep compensating the remaining steps; a stuck rollback
			// must not leave earlier effects standing too.
			logrus.WithField("step", step.Name).WithError(err).Error("compensation failed")
		}
	}
}
