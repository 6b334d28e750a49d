package lifecycle

import (
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

// ErrorCode categorizes rejected transitions.
type ErrorCode string

const (
	// CodeIllegalEdge means the requested edge is not part of the state graph.
	CodeIllegalEdge ErrorCode = "ILLEGAL_EDGE"

	// CodeRetriesExhausted means a failed delivery has no retries left and may only stall.
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
)

// TransitionError describes a rejected transition. The delivery is never mutated when
// one of these is returned.
type TransitionError struct {
	Code       ErrorCode
	DeliveryID int64
	From       models.DeliveryState
	To         models.DeliveryState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: delivery %d cannot move %s -> %s", e.Code, e.DeliveryID, e.From, e.To)
}

// IsInvalidTransition returns true if err is (or wraps) a TransitionError.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// IsRetriesExhausted returns true if err was caused by a spent retry budget.
func IsRetriesExhausted(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code == CodeRetriesExhausted
	}
	return false
}
