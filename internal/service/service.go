package service

import (
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/lifecycle"
)

// Dependencies are the collaborators the fulfillment services are built from
type Dependencies struct {
	Deliveries DeliveryRepository
	Orders     OrderRepository
	Files      FileAccessProvider
	Notifier   Notifier
	Events     EventPublisher
	Rules      *lifecycle.Rules
	Config     config.DeliveryConfig

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Services is the wired set of fulfillment components
type Services struct {
	StateMachine *StateMachine
	Escalator    *Escalator
	Executor     *FulfillmentExecutor
	Factory      *DeliveryRecordFactory
	SLA          *SLATracker
	Recovery     *RecoveryEngine
	Query        *DeliveryQueryService
	Admin        *AdminService
}

// New wires every fulfillment component against deps
func New(deps Dependencies) *Services {
	rules := deps.Rules
	if rules == nil {
		rules = lifecycle.DefaultRules()
	}

	sm := NewStateMachine(deps.Deliveries, rules, deps.Events)
	escalator := NewEscalator(deps.Deliveries, deps.Notifier, deps.Events)
	executor := NewFulfillmentExecutor(deps.Deliveries, deps.Orders, deps.Files, deps.Notifier, sm, escalator, deps.Config)

	s := &Services{
		StateMachine: sm,
		Escalator:    escalator,
		Executor:     executor,
		Factory:      NewDeliveryRecordFactory(deps.Deliveries, deps.Orders, executor, sm, deps.Config),
		SLA:          NewSLATracker(deps.Deliveries, escalator, deps.Config),
		Recovery:     NewRecoveryEngine(deps.Deliveries, deps.Orders, deps.Files, executor, sm, deps.Config),
		Query:        NewDeliveryQueryService(deps.Deliveries, deps.Orders, sm, deps.Config),
		Admin:        NewAdminService(deps.Deliveries, deps.Orders, executor, escalator, sm),
	}

	if deps.Clock != nil {
		s.setClock(deps.Clock)
	}
	return s
}

func (s *Services) setClock(now func() time.Time) {
	s.StateMachine.now = now
	s.Escalator.now = now
	s.Executor.now = now
	s.Factory.now = now
	s.SLA.now = now
	s.Recovery.now = now
	s.Query.now = now
}
