package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"concursohub/internal/domain"
)

// Activity event types.
const (
	ContestCreated       = "contest.created"
	ContestUpdated       = "contest.updated"
	ContestDeleted       = "contest.deleted"
	ContestStatusRefresh = "contest.status_refreshed"
	RefreshJobCompleted  = "job.refresh_status.completed"
	APIKeyCreated        = "api_key.created"
)

const (
	EntityContest = "contest"
	EntityJob     = "job"
	EntityAPIKey  = "api_key"

	SystemActor = "system"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer builds activity events and appends them to the events table.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Build assembles an event stamped with the writer's clock.
func (w Writer) Build(evtType, entityKind, entityID, actorID string, payload Payload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data := []byte("{}")
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
		}
	}
	return domain.Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}

// Insert writes a built event.
func (w Writer) Insert(ctx context.Context, exec Execer, evt domain.Event) error {
	if evt.Payload == "" {
		evt.Payload = "{}"
	}
	_, err := exec.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	return err
}

// Append builds and inserts an event in one step.
func (w Writer) Append(ctx context.Context, exec Execer, evtType, entityKind, entityID, actorID string, payload Payload) error {
	evt, err := w.Build(evtType, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	return w.Insert(ctx, exec, evt)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
