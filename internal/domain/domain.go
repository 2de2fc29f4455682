package domain

// Workspace statuses.
const (
	WorkspaceBootstrapping = "bootstrapping"
	WorkspaceActive        = "active"
	WorkspacePaused        = "paused"
	WorkspaceDeleted       = "deleted"
)

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalPaused    = "paused"
)

// Task statuses. The gate verdict of a completed task lives in Task.Decision.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Deliverable statuses.
const (
	DeliverableDraft       = "draft"
	DeliverableCompleted   = "completed"
	DeliverableNeedsReview = "needs_review"
)

// Insight types.
const (
	InsightDiscovery      = "discovery"
	InsightConstraint     = "constraint"
	InsightSuccessPattern = "success_pattern"
	InsightFailureLesson  = "failure_lesson"
	InsightOptimization   = "optimization"
)

// InsightTypes lists every accepted insight type.
var InsightTypes = []string{InsightDiscovery, InsightConstraint, InsightSuccessPattern, InsightFailureLesson, InsightOptimization}

type Workspace struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"bootstrapping,active,paused,deleted"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
	DeletedAt *string `json:"deleted_at,omitempty" format:"date-time"`
}

type Goal struct {
	ID           string  `json:"id"`
	WorkspaceID  string  `json:"workspace_id"`
	Description  string  `json:"description"`
	MetricType   string  `json:"metric_type"`
	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`
	Status       string  `json:"status" enum:"active,completed,paused"`
	Priority     int     `json:"priority"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

// ProgressPercent reports current/target as a percentage. A non-positive target counts as reached.
func (g Goal) ProgressPercent() float64 {
	if g.TargetValue <= 0 {
		return 100
	}
	return g.CurrentValue / g.TargetValue * 100
}

type Task struct {
	ID            string   `json:"id"`
	WorkspaceID   string   `json:"workspace_id"`
	GoalID        *string  `json:"goal_id,omitempty"`
	Name          string   `json:"name"`
	AgentRole     string   `json:"agent_role,omitempty"`
	Status        string   `json:"status" enum:"pending,completed"`
	QualityScore  *float64 `json:"quality_score,omitempty"`
	Decision      string   `json:"decision,omitempty" enum:"auto_approve,ai_enhancement,human_review,course_correction"`
	Output        string   `json:"output,omitempty"`
	Contribution  float64  `json:"contribution"`
	DeliverableID *string  `json:"deliverable_id,omitempty"`
	CorrectionOf  *string  `json:"correction_of,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Deliverable struct {
	ID                 string         `json:"id"`
	WorkspaceID        string         `json:"workspace_id"`
	GoalID             *string        `json:"goal_id,omitempty"`
	Title              string         `json:"title"`
	Type               string         `json:"type"`
	Content            map[string]any `json:"content"`
	Status             string         `json:"status" enum:"draft,completed,needs_review"`
	BusinessValueScore float64        `json:"business_value_score"`
	ReadinessScore     float64        `json:"readiness_score"`
	MatchMethod        string         `json:"match_method,omitempty"`
	MatchConfidence    float64        `json:"match_confidence"`
	MatchReasoning     string         `json:"match_reasoning,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
}

type Insight struct {
	ID              string   `json:"id"`
	WorkspaceID     string   `json:"workspace_id"`
	TaskID          *string  `json:"task_id,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
	InsightType     string   `json:"insight_type" enum:"discovery,constraint,success_pattern,failure_lesson,optimization"`
	Content         string   `json:"content"`
	RelevanceTags   []string `json:"relevance_tags"`
	ConfidenceScore float64  `json:"confidence_score"`
	ContentHash     string   `json:"content_hash"`
	Seq             int64    `json:"seq"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// LearnedPattern records how often a deliverable type has been attributed to a goal.
type LearnedPattern struct {
	WorkspaceID     string `json:"workspace_id"`
	DeliverableType string `json:"deliverable_type"`
	GoalID          string `json:"goal_id"`
	Count           int    `json:"count"`
	LastSeenAt      string `json:"last_seen_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
