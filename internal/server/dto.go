package server

import (
	"encoding/json"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/quality"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CreateGoalRequest struct {
	ID          string  `json:"id,omitempty"`
	Description string  `json:"description"`
	MetricType  string  `json:"metric_type,omitempty"`
	TargetValue float64 `json:"target_value"`
	Priority    int     `json:"priority,omitempty"`
}

type ProgressRequest struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason,omitempty"`
}

type TaskCompletedRequest struct {
	TaskID         string   `json:"task_id"`
	GoalID         string   `json:"goal_id,omitempty"`
	Name           string   `json:"name"`
	AgentRole      string   `json:"agent_role,omitempty"`
	Output         string   `json:"output,omitempty"`
	QualityScore   *float64 `json:"quality_score,omitempty" minimum:"0" maximum:"1"`
	Contribution   float64  `json:"contribution,omitempty"`
	BusinessImpact float64  `json:"business_impact,omitempty"`
}

type BatchRequest struct {
	Events      []TaskCompletedRequest `json:"events"`
	Concurrency int                    `json:"concurrency,omitempty"`
}

type ReassignRequest struct {
	GoalID string `json:"goal_id"`
	Reason string `json:"reason,omitempty"`
}

type StoreInsightRequest struct {
	TaskID          *string  `json:"task_id,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
	InsightType     string   `json:"insight_type" enum:"discovery,constraint,success_pattern,failure_lesson,optimization"`
	Content         string   `json:"content"`
	RelevanceTags   []string `json:"relevance_tags,omitempty"`
	ConfidenceScore float64  `json:"confidence_score"`
}

type EvaluateQualityRequest struct {
	ID             string   `json:"id,omitempty"`
	WorkspaceID    string   `json:"workspace_id,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Title          string   `json:"title,omitempty"`
	Content        string   `json:"content"`
	Score          *float64 `json:"score,omitempty"`
	BusinessImpact float64  `json:"business_impact,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ProgressResponse struct {
	Previous    float64             `json:"previous"`
	Delta       float64             `json:"delta"`
	Completed   bool                `json:"completed"`
	Goal        domain.Goal         `json:"goal"`
	Aggregation *engine.Aggregation `json:"aggregation,omitempty"`
}

type BatchResponse struct {
	Results []engine.BatchResult `json:"results"`
}

type InsightCreatedResponse struct {
	ID string `json:"id"`
}

func (r TaskCompletedRequest) event(workspaceID, actorID string) engine.TaskCompletedEvent {
	return engine.TaskCompletedEvent{
		TaskID:         r.TaskID,
		WorkspaceID:    workspaceID,
		GoalID:         r.GoalID,
		Name:           r.Name,
		AgentRole:      r.AgentRole,
		Output:         r.Output,
		QualityScore:   r.QualityScore,
		Contribution:   r.Contribution,
		BusinessImpact: r.BusinessImpact,
		ActorID:        actorID,
	}
}

func (r EvaluateQualityRequest) artifact() quality.Artifact {
	kind := r.Kind
	if kind == "" {
		kind = "artifact"
	}
	return quality.Artifact{
		ID:             r.ID,
		WorkspaceID:    r.WorkspaceID,
		Kind:           kind,
		Title:          r.Title,
		Content:        r.Content,
		ReportedScore:  r.Score,
		BusinessImpact: r.BusinessImpact,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		WorkspaceID: evt.WorkspaceID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}
