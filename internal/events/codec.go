package events

import (
	"encoding/json"
	"fmt"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
)

const service = "events"

const (
	TopicOrderTransitions = "order.transitions"
	TopicStageTransitions = "stage.transitions"
	TopicOrderRequests    = "order.requests"
)

// TopicFor resolves the destination of an event name. A name without a
// mapping is a programmer error.
func TopicFor(name Name) (string, error) {
	switch name {
	case NameOrderCompleted, NameOrderMarkedAsCompleted,
		NameInvitationAccepted, NameInvitationConfirmed,
		NameAllInvitationsDeclined, NameAllResponsesReceived:
		return TopicOrderTransitions, nil
	case NameAllStagesCompleted, NameStageConfirmationMarked, NameStageConfirmed:
		return TopicStageTransitions, nil
	case NameRequestEdited:
		return TopicOrderRequests, nil
	}
	return "", apperr.Programmer(service, apperr.CodeTopicMissing,
		fmt.Sprintf("no topic mapping for event %q", name)).WithDetail("eventName", string(name))
}

// Names lists every event variant.
func Names() []Name {
	return []Name{
		NameOrderCompleted,
		NameOrderMarkedAsCompleted,
		NameInvitationAccepted,
		NameInvitationConfirmed,
		NameAllInvitationsDeclined,
		NameAllResponsesReceived,
		NameAllStagesCompleted,
		NameRequestEdited,
		NameStageConfirmationMarked,
		NameStageConfirmed,
	}
}

// Marshal encodes e as a flat JSON object carrying its eventName.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Name(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Name(), err)
	}
	name, _ := json.Marshal(e.Name())
	fields["eventName"] = name

	return json.Marshal(fields)
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		EventName Name `json:"eventName"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.EventName {
	case NameOrderCompleted:
		return decode[OrderCompleted](data)
	case NameOrderMarkedAsCompleted:
		return decode[OrderMarkedAsCompleted](data)
	case NameInvitationAccepted:
		return decode[InvitationAccepted](data)
	case NameInvitationConfirmed:
		return decode[InvitationConfirmed](data)
	case NameAllInvitationsDeclined:
		return decode[AllInvitationsDeclined](data)
	case NameAllResponsesReceived:
		return decode[AllResponsesReceived](data)
	case NameAllStagesCompleted:
		return decode[AllStagesCompleted](data)
	case NameRequestEdited:
		return decode[RequestEdited](data)
	case NameStageConfirmationMarked:
		return decode[StageConfirmationMarked](data)
	case NameStageConfirmed:
		return decode[StageConfirmed](data)
	}
	return nil, apperr.Programmer(service, apperr.CodeUnknownEvent,
		fmt.Sprintf("unknown event name %q", head.EventName))
}

func decode[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Name(), err)
	}
	return v, nil
}
