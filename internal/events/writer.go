package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"deliverline/internal/domain"
)

// Event types appended by the pipeline.
const (
	TaskCompleted            = "task.completed"
	QualityDecided           = "quality.decided"
	HumanReviewRequested     = "quality.human_review.requested"
	CourseCorrectionRequired = "quality.course_correction.requested"
	GoalCreated              = "goal.created"
	GoalProgressChanged      = "goal.progress.changed"
	GoalCompleted            = "goal.completed"
	GoalStatusChanged        = "goal.status.changed"
	GoalReset                = "goal.reset"
	DeliverableCreated       = "deliverable.created"
	DeliverableReassigned    = "deliverable.goal.reassigned"
	InsightStored            = "insight.stored"
	WorkspaceCreated         = "workspace.created"
	WorkspaceStatusChanged   = "workspace.status.changed"
	WorkspaceDeleted         = "workspace.deleted"
	APIKeyCreated            = "apikey.created"
	BreakerTransition        = "breaker.transition"
)

// HandOffTypes are the events external review and correction queues subscribe to.
var HandOffTypes = []string{HumanReviewRequested, CourseCorrectionRequired}

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes an event inside the caller's transaction so it commits with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, nullable(workspaceID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
