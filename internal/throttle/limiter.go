package throttle

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidBudget is returned when a budget has no room for any request.
var ErrInvalidBudget = errors.New("throttle: budget requires positive limit and window")

// Budget bounds how many requests one key may make inside a window.
type Budget struct {
	Limit  int
	Window time.Duration
}

func (b Budget) validate() error {
	if b.Limit <= 0 || b.Window <= 0 {
		return ErrInvalidBudget
	}
	return nil
}

// Result is the outcome of one check. Remaining never drops below zero.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func newResult(count int, budget Budget, resetAt time.Time) Result {
	remaining := budget.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= budget.Limit,
		Limit:     budget.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Limiter counts requests per key in reset-on-expiry windows.
type Limiter interface {
	Check(ctx context.Context, key string, budget Budget) (Result, error)
	Name() string
}

// Class names a budget. Each class keeps its own counters.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassGeneral Class = "general"
)

// Budgets holds the per-class budgets.
type Budgets struct {
	Auth    Budget
	General Budget
}

// DefaultBudgets allows 10 auth and 100 general requests per minute.
func DefaultBudgets() Budgets {
	return Budgets{
		Auth:    Budget{Limit: 10, Window: time.Minute},
		General: Budget{Limit: 100, Window: time.Minute},
	}
}

// For returns the budget for class.
func (b Budgets) For(class Class) Budget {
	if class == ClassAuth {
		return b.Auth
	}
	return b.General
}

// Key builds the counter key for class and address.
func Key(class Class, address string) string {
	return string(class) + ":" + address
}
