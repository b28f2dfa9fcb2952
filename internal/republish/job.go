// Package republish is the durable fallback for post-commit dispatch. A job
// names the outbox rows whose dispatch failed together with their payloads; a
// worker redrives the job until the bus accepts it and then deletes the rows.
package republish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/phillus33/orderflow-outbox/internal/events"
)

type Job struct {
	ID        uuid.UUID
	Events    []events.Event
	OutboxIDs []uuid.UUID
	Attempt   int
}

type Enqueuer interface {
	EnqueuePublish(ctx context.Context, job Job) error
}

type wireJob struct {
	ID        uuid.UUID         `json:"id"`
	Events    []json.RawMessage `json:"events"`
	OutboxIDs []uuid.UUID       `json:"outboxIds"`
	Attempt   int               `json:"attempt"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	w := wireJob{ID: j.ID, OutboxIDs: j.OutboxIDs, Attempt: j.Attempt}
	for _, evt := range j.Events {
		raw, err := events.Marshal(evt)
		if err != nil {
			return nil, err
		}
		w.Events = append(w.Events, raw)
	}
	return json.Marshal(w)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Job{ID: w.ID, OutboxIDs: w.OutboxIDs, Attempt: w.Attempt}
	for i, raw := range w.Events {
		evt, err := events.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("job %s event %d: %w", w.ID, i, err)
		}
		out.Events = append(out.Events, evt)
	}
	*j = out
	return nil
}
