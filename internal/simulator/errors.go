package simulator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNegativeMargin       = errors.New("order margin is negative")
	ErrNaNMargin            = errors.New("order margin is NaN")
	ErrNegativeBalance      = errors.New("available balance went negative")
	ErrZeroAmountShift      = errors.New("order does not change the position")
	ErrNonPositiveFillPrice = errors.New("fill price is not positive")
	ErrInvalidDecision      = errors.New("invalid decision")
)

// TickError identifies the bar a simulation failed on. Symbol is empty when
// the failure is not tied to one symbol, such as a decision callback error.
type TickError struct {
	Moment time.Time
	Symbol string
	Err    error
}

func (e *TickError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("at %s: %v", e.Moment.UTC().Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("at %s on %s: %v", e.Moment.UTC().Format(time.RFC3339), e.Symbol, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }
