// Package stages persists the per-workshop stage set of an order as a
// versioned aggregate and hosts the use cases that move stages to completion.
package stages

import (
	"fmt"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusCompletionMarked Status = "completion_marked"
	StatusConfirmed        Status = "confirmed"
)

const service = "stages"

const (
	CodeStageNotFound         = "STAGE_NOT_FOUND"
	CodeStageAlreadyConfirmed = "STAGE_ALREADY_CONFIRMED"
)

type Stage struct {
	Name        string
	Order       int
	Description string
	Status      Status
}

// Aggregate is the stage set a workshop works through for one order. Version
// is zero until the aggregate is first saved.
type Aggregate struct {
	OrderID        string
	WorkshopID     string
	CommissionerID string
	Version        int
	Stages         []Stage
}

func (a *Aggregate) stage(name string) (*Stage, error) {
	for i := range a.Stages {
		if a.Stages[i].Name == name {
			return &a.Stages[i], nil
		}
	}
	return nil, apperr.Domain(service, CodeStageNotFound, fmt.Sprintf("stage %q not found", name)).
		WithDetail("orderId", a.OrderID).
		WithDetail("workshopId", a.WorkshopID)
}

// MarkCompletion records that the workshop reports the stage as done.
// Marking a confirmed stage is a no-op.
func (a *Aggregate) MarkCompletion(name string) (changed bool, err error) {
	s, err := a.stage(name)
	if err != nil {
		return false, err
	}
	if s.Status != StatusPending {
		return false, nil
	}
	s.Status = StatusCompletionMarked
	return true, nil
}

// Confirm records the commissioner's confirmation of a stage and reports
// whether every stage is now confirmed.
func (a *Aggregate) Confirm(name string) (allCompleted bool, err error) {
	s, err := a.stage(name)
	if err != nil {
		return false, err
	}
	if s.Status == StatusConfirmed {
		return false, apperr.Domain(service, CodeStageAlreadyConfirmed, fmt.Sprintf("stage %q already confirmed", name))
	}
	s.Status = StatusConfirmed
	return a.AllConfirmed(), nil
}

func (a *Aggregate) AllConfirmed() bool {
	if len(a.Stages) == 0 {
		return false
	}
	for _, s := range a.Stages {
		if s.Status != StatusConfirmed {
			return false
		}
	}
	return true
}
