package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/phillus33/orderflow-outbox/internal/apperr"
)

const (
	HeaderErrorKind    = "x-error-kind"
	HeaderErrorService = "x-error-service"
	HeaderErrorCode    = "x-error-code"
)

// ErrorSummary is the compact error description attached to dead letters.
type ErrorSummary struct {
	Kind      string         `json:"kind"`
	Service   string         `json:"service"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	V         int            `json:"v"`
	Details   map[string]any `json:"details,omitempty"`
}

// DeadLetter is the value written to the dead-letter topic. Original holds
// the inbound value when it is valid JSON; otherwise OriginalBase64 holds it.
type DeadLetter struct {
	Original       json.RawMessage `json:"original,omitempty"`
	OriginalBase64 []byte          `json:"originalBase64,omitempty"`
	Error          ErrorSummary    `json:"error"`
}

// DeadLetterMessage is what a DeadLetterPublisher sends.
type DeadLetterMessage struct {
	Key     []byte
	Headers []Header
	Value   []byte
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.Value)
}

// Summarize describes err for a dead letter. Errors outside the taxonomy
// are labelled unknown and keep a safe rendering of the raw error.
func Summarize(err error) ErrorSummary {
	if e, ok := apperr.As(err); ok {
		v := e.Version
		if v == 0 {
			v = apperr.SummaryVersion
		}
		return ErrorSummary{
			Kind:      string(e.Kind),
			Service:   e.Service,
			Code:      e.Code,
			Message:   e.Message,
			Retryable: e.Retryable,
			V:         v,
			Details:   safeDetails(e.Details),
		}
	}

	return ErrorSummary{
		Kind:      string(apperr.KindUnknown),
		Service:   "infra",
		Code:      apperr.CodeUnclassified,
		Message:   err.Error(),
		Retryable: false,
		V:         apperr.SummaryVersion,
		Details: map[string]any{
			"raw": map[string]any{
				"type":    fmt.Sprintf("%T", err),
				"message": err.Error(),
			},
		},
	}
}

// safeDetails drops details that cannot be encoded.
func safeDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

func buildDeadLetter(env Envelope, summary ErrorSummary) (DeadLetterMessage, error) {
	dl := DeadLetter{Error: summary}
	if json.Valid(env.Value) {
		dl.Original = env.Value
	} else {
		dl.OriginalBase64 = env.Value
	}

	value, err := json.Marshal(dl)
	if err != nil {
		return DeadLetterMessage{}, fmt.Errorf("encode dead letter: %w", err)
	}

	headers := make([]Header, 0, len(env.Headers)+3)
	headers = append(headers, env.Headers...)
	headers = append(headers,
		Header{Key: HeaderErrorKind, Value: []byte(summary.Kind)},
		Header{Key: HeaderErrorService, Value: []byte(summary.Service)},
		Header{Key: HeaderErrorCode, Value: []byte(summary.Code)},
	)

	return DeadLetterMessage{Key: env.Key, Headers: headers, Value: value}, nil
}
