// Package events holds the domain events published through the outbox.
//
// Event is a closed sum type: every variant lives in this package and is
// identified on the wire by its eventName.
package events

import "time"

type Name string

const (
	NameOrderCompleted          Name = "OrderCompleted"
	NameOrderMarkedAsCompleted  Name = "OrderMarkedAsCompleted"
	NameInvitationAccepted      Name = "InvitationAccepted"
	NameInvitationConfirmed     Name = "InvitationConfirmed"
	NameAllInvitationsDeclined  Name = "AllInvitationsDeclined"
	NameAllResponsesReceived    Name = "AllResponsesReceived"
	NameAllStagesCompleted      Name = "AllStagesCompleted"
	NameRequestEdited           Name = "RequestEdited"
	NameStageConfirmationMarked Name = "StageConfirmationMarked"
	NameStageConfirmed          Name = "StageConfirmed"
)

// SchemaV1 is the only schema version currently emitted.
const SchemaV1 = 1

type Event interface {
	Name() Name
	ID() string
	SchemaVersion() int
	// AggregateKey is used as the partition key so events of one order keep
	// their relative order on the bus.
	AggregateKey() string

	sealed()
}

// Header is embedded by every variant. It does not satisfy Event on its own,
// so types outside this package cannot join the sum by embedding it.
type Header struct {
	EventID string `json:"eventId"`
	SchemaV int    `json:"schemaV"`
}

func (h Header) ID() string         { return h.EventID }
func (h Header) SchemaVersion() int { return h.SchemaV }

// NewHeader returns a header for schema version 1.
func NewHeader(eventID string) Header {
	return Header{EventID: eventID, SchemaV: SchemaV1}
}

type OrderCompleted struct {
	Header
	OrderID          string    `json:"orderId"`
	WorkshopID       string    `json:"workshopId"`
	CommissionerID   string    `json:"commissionerId"`
	AggregateVersion int       `json:"aggregateVersion"`
	ConfirmedAt      time.Time `json:"confirmedAt"`
}

func (OrderCompleted) Name() Name             { return NameOrderCompleted }
func (e OrderCompleted) AggregateKey() string { return e.OrderID }
func (OrderCompleted) sealed()                {}

type OrderMarkedAsCompleted struct {
	Header
	OrderID          string    `json:"orderId"`
	WorkshopID       string    `json:"workshopId"`
	CommissionerID   string    `json:"commissionerId"`
	AggregateVersion int       `json:"aggregateVersion"`
	MarkedAt         time.Time `json:"markedAt"`
}

func (OrderMarkedAsCompleted) Name() Name             { return NameOrderMarkedAsCompleted }
func (e OrderMarkedAsCompleted) AggregateKey() string { return e.OrderID }
func (OrderMarkedAsCompleted) sealed()                {}

type InvitationAccepted struct {
	Header
	OrderID          string    `json:"orderID"`
	WorkshopID       string    `json:"workshopID"`
	CommissionerID   string    `json:"commissionerId"`
	AggregateVersion int       `json:"aggregateVersion"`
	AcceptedAt       time.Time `json:"acceptedAt"`
}

func (InvitationAccepted) Name() Name             { return NameInvitationAccepted }
func (e InvitationAccepted) AggregateKey() string { return e.OrderID }
func (InvitationAccepted) sealed()                {}

type InvitationConfirmed struct {
	Header
	OrderID          string    `json:"orderID"`
	WorkshopID       string    `json:"workshopID"`
	CommissionerID   string    `json:"commissionerId"`
	AggregateVersion int       `json:"aggregateVersion"`
	ConfirmedAt      time.Time `json:"confirmedAt"`
}

func (InvitationConfirmed) Name() Name             { return NameInvitationConfirmed }
func (e InvitationConfirmed) AggregateKey() string { return e.OrderID }
func (InvitationConfirmed) sealed()                {}

type AllInvitationsDeclined struct {
	Header
	OrderID        string    `json:"orderId"`
	CommissionerID string    `json:"commissionerId"`
	DeclinedAt     time.Time `json:"declinedAt"`
}

func (AllInvitationsDeclined) Name() Name             { return NameAllInvitationsDeclined }
func (e AllInvitationsDeclined) AggregateKey() string { return e.OrderID }
func (AllInvitationsDeclined) sealed()                {}

type AllResponsesReceived struct {
	Header
	OrderID        string    `json:"orderId"`
	CommissionerID string    `json:"commissionerId"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

func (AllResponsesReceived) Name() Name             { return NameAllResponsesReceived }
func (e AllResponsesReceived) AggregateKey() string { return e.OrderID }
func (AllResponsesReceived) sealed()                {}

type AllStagesCompleted struct {
	Header
	OrderID        string    `json:"orderId"`
	WorkshopID     string    `json:"workshopId"`
	CommissionerID string    `json:"commissionerId"`
	CompletedAt    time.Time `json:"completedAt"`
}

func (AllStagesCompleted) Name() Name             { return NameAllStagesCompleted }
func (e AllStagesCompleted) AggregateKey() string { return e.OrderID }
func (AllStagesCompleted) sealed()                {}

type RequestEdited struct {
	Header
	OrderID        string `json:"orderID"`
	WorkshopID     string `json:"workshopID"`
	CommissionerID string `json:"commissionerId"`
}

func (RequestEdited) Name() Name             { return NameRequestEdited }
func (e RequestEdited) AggregateKey() string { return e.OrderID }
func (RequestEdited) sealed()                {}

type StageConfirmationMarked struct {
	Header
	OrderID        string    `json:"orderId"`
	WorkshopID     string    `json:"workshopId"`
	CommissionerID string    `json:"commissionerId"`
	StageName      string    `json:"stageName"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

func (StageConfirmationMarked) Name() Name             { return NameStageConfirmationMarked }
func (e StageConfirmationMarked) AggregateKey() string { return e.OrderID }
func (StageConfirmationMarked) sealed()                {}

type StageConfirmed struct {
	Header
	OrderID        string    `json:"orderId"`
	WorkshopID     string    `json:"workshopId"`
	CommissionerID string    `json:"commissionerId"`
	StageName      string    `json:"stageName"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

func (StageConfirmed) Name() Name             { return NameStageConfirmed }
func (e StageConfirmed) AggregateKey() string { return e.OrderID }
func (StageConfirmed) sealed()                {}
