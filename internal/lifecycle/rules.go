// Package lifecycle holds the delivery state graph and applies transitions to in-memory
// deliveries. It performs no I/O; persistence and side effects live in the service layer.
package lifecycle

import (
	"time"

	"fulfillment-service/internal/models"
)

// Edge is one allowed transition. A zero From matches any state.
type Edge struct {
	From models.DeliveryState
	To   models.DeliveryState
}

// Rules is the transition table plus the set of terminal states
type Rules struct {
	edges    map[models.DeliveryState]map[models.DeliveryState]bool
	anyTo    map[models.DeliveryState]bool
	openTo   map[models.DeliveryState]bool
	terminal map[models.DeliveryState]bool
}

var defaultEdges = []Edge{
	{From: models.StatePending, To: models.StateProcessing},
	{From: models.StateProcessing, To: models.StateReady},
	{From: models.StateReady, To: models.StateDelivered},
	{From: models.StateReady, To: models.StateDownloaded},
	{From: models.StateDelivered, To: models.StateDownloaded},
	{From: models.StateDownloaded, To: models.StateCompleted},
	{From: models.StateDelivered, To: models.StateCompleted},
	{From: models.StateFailed, To: models.StateProcessing},
	{From: models.StateFailed, To: models.StateStalled},
	{From: models.StateReady, To: models.StateExpired},
	{From: models.StateIssue, To: models.StateProcessing},
}

var defaultTerminal = []models.DeliveryState{
	models.StateCompleted,
	models.StateStalled,
	models.StateExpired,
}

// DefaultRules returns the production state graph
func DefaultRules() *Rules {
	return NewRules(defaultEdges, defaultTerminal)
}

// NewRules builds a rule set from explicit edges. On top of the listed edges every
// non-terminal state may move to failed, and every state may move to issue.
func NewRules(edges []Edge, terminal []models.DeliveryState) *Rules {
	r := &Rules{
		edges:    make(map[models.DeliveryState]map[models.DeliveryState]bool),
		anyTo:    map[models.DeliveryState]bool{models.StateIssue: true},
		openTo:   map[models.DeliveryState]bool{models.StateFailed: true},
		terminal: make(map[models.DeliveryState]bool),
	}
	for _, e := range edges {
		if r.edges[e.From] == nil {
			r.edges[e.From] = make(map[models.DeliveryState]bool)
		}
		r.edges[e.From][e.To] = true
	}
	for _, s := range terminal {
		r.terminal[s] = true
	}
	return r
}

// IsTerminal reports whether no further automatic progress is possible from s
func (r *Rules) IsTerminal(s models.DeliveryState) bool {
	return r.terminal[s]
}

// CanTransition reports whether the edge from -> to exists in the graph
func (r *Rules) CanTransition(from, to models.DeliveryState) bool {
	if from == to {
		return false
	}
	if r.anyTo[to] {
		return true
	}
	if r.openTo[to] && !r.terminal[from] {
		return true
	}
	return r.edges[from][to]
}

// Validate checks a transition for a concrete delivery. Besides the graph it enforces the
// retry budget: a failed delivery with no retries left may only stall.
func (r *Rules) Validate(d *models.Delivery, to models.DeliveryState) error {
	if !r.CanTransition(d.State, to) {
		return &TransitionError{
			Code:       CodeIllegalEdge,
			DeliveryID: d.ID,
			From:       d.State,
			To:         to,
		}
	}
	if d.State == models.StateFailed && d.RetriesExhausted() && to != models.StateStalled && to != models.StateIssue {
		return &TransitionError{
			Code:       CodeRetriesExhausted,
			DeliveryID: d.ID,
			From:       d.State,
			To:         to,
		}
	}
	return nil
}

// Apply validates and applies a transition to d in memory, returning the history entry
// that was appended. d is left untouched when the transition is rejected.
func (r *Rules) Apply(d *models.Delivery, to models.DeliveryState, reason string, at time.Time) (models.StateTransition, error) {
	if err := r.Validate(d, to); err != nil {
		return models.StateTransition{}, err
	}

	entry := models.StateTransition{
		From:   d.State,
		To:     to,
		Reason: reason,
		At:     at,
	}

	d.StateHistory = append(d.StateHistory, entry)
	d.State = to
	d.StateChangedAt = at
	return entry, nil
}
