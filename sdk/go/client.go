package deliverlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Deliverline HTTP API client scoped to one workspace.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Goal represents the API goal model.
type Goal struct {
	ID           string  `json:"id"`
	WorkspaceID  string  `json:"workspace_id"`
	Description  string  `json:"description"`
	MetricType   string  `json:"metric_type"`
	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`
	Status       string  `json:"status"`
	Priority     int     `json:"priority"`
}

// TaskCompleted is one finished unit of agent work.
type TaskCompleted struct {
	TaskID         string   `json:"task_id"`
	GoalID         string   `json:"goal_id,omitempty"`
	Name           string   `json:"name"`
	AgentRole      string   `json:"agent_role,omitempty"`
	Output         string   `json:"output,omitempty"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	Contribution   float64  `json:"contribution"`
	BusinessImpact float64  `json:"business_impact,omitempty"`
}

// Assessment is the quality gate verdict.
type Assessment struct {
	QualityScore           float64  `json:"quality_score"`
	Decision               string   `json:"decision"`
	Reasoning              string   `json:"reasoning"`
	ReviewPriority         string   `json:"review_priority,omitempty"`
	ImprovementSuggestions []string `json:"improvement_suggestions,omitempty"`
}

// Reason explains one unmet trigger condition.
type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Evaluation is the trigger verdict (partial).
type Evaluation struct {
	Ready          bool     `json:"ready"`
	Mode           string   `json:"mode,omitempty"`
	Reasons        []Reason `json:"reasons"`
	CompletedTasks int      `json:"completed_tasks"`
	Deliverables   int      `json:"deliverables"`
	AvgQuality     float64  `json:"avg_quality"`
}

// Deliverable represents an aggregated output.
type Deliverable struct {
	ID                 string         `json:"id"`
	WorkspaceID        string         `json:"workspace_id"`
	GoalID             *string        `json:"goal_id,omitempty"`
	Title              string         `json:"title"`
	Type               string         `json:"type"`
	Content            map[string]any `json:"content"`
	Status             string         `json:"status"`
	BusinessValueScore float64        `json:"business_value_score"`
	MatchMethod        string         `json:"match_method,omitempty"`
	MatchConfidence    float64        `json:"match_confidence"`
	CreatedAt          string         `json:"created_at"`
}

// Aggregation reports one trigger check.
type Aggregation struct {
	Evaluation  Evaluation   `json:"evaluation"`
	Deliverable *Deliverable `json:"deliverable,omitempty"`
	Skipped     string       `json:"skipped,omitempty"`
}

// Outcome reports what a task completion caused (partial).
type Outcome struct {
	Task struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Decision string `json:"decision"`
	} `json:"task"`
	Assessment  Assessment   `json:"assessment"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
	InsightIDs  []string     `json:"insight_ids,omitempty"`
	Duplicate   bool         `json:"duplicate,omitempty"`
}

// Diagnosis explains the workspace trigger state (partial).
type Diagnosis struct {
	Evaluation Evaluation `json:"evaluation"`
	Breaker    struct {
		Name         string `json:"name"`
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	} `json:"breaker"`
	Goals []Goal `json:"goals"`
}

// Insight is something a task learned.
type Insight struct {
	ID              string   `json:"id"`
	TaskID          *string  `json:"task_id,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
	InsightType     string   `json:"insight_type"`
	Content         string   `json:"content"`
	RelevanceTags   []string `json:"relevance_tags"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id"`
	EntityID    string         `json:"entity_id"`
	EntityKind  string         `json:"entity_kind"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is parsed from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CompleteTask reports a finished task and returns what the pipeline did with it.
func (c *Client) CompleteTask(ctx context.Context, t TaskCompleted) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.workspacePath("tasks/completed"), t, &resp)
	return resp, err
}

// Goals lists the workspace goals.
func (c *Client) Goals(ctx context.Context) ([]Goal, error) {
	var resp []Goal
	err := c.do(ctx, http.MethodGet, c.workspacePath("goals"), nil, &resp)
	return resp, err
}

// AddProgress adds delta to a goal.
func (c *Client) AddProgress(ctx context.Context, goalID string, delta float64, reason string) (Goal, error) {
	var resp struct {
		Goal Goal `json:"goal"`
	}
	body := map[string]any{"delta": delta, "reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/goals/%s/progress", url.PathEscape(goalID)), body, &resp)
	return resp.Goal, err
}

// Diagnose explains why the workspace has or has not produced a deliverable.
func (c *Client) Diagnose(ctx context.Context) (Diagnosis, error) {
	var resp Diagnosis
	err := c.do(ctx, http.MethodGet, c.workspacePath("diagnose"), nil, &resp)
	return resp, err
}

// Deliverables lists deliverables, oldest first.
func (c *Client) Deliverables(ctx context.Context) ([]Deliverable, error) {
	var resp []Deliverable
	err := c.do(ctx, http.MethodGet, c.workspacePath("deliverables"), nil, &resp)
	return resp, err
}

// StoreInsight records an insight and returns its id.
func (c *Client) StoreInsight(ctx context.Context, in Insight) (string, error) {
	body := map[string]any{
		"insight_type":     in.InsightType,
		"content":          in.Content,
		"relevance_tags":   in.RelevanceTags,
		"confidence_score": in.ConfidenceScore,
	}
	if in.TaskID != nil {
		body["task_id"] = *in.TaskID
	}
	if in.AgentRole != "" {
		body["agent_role"] = in.AgentRole
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.workspacePath("insights"), body, &resp)
	return resp.ID, err
}

// Insights queries insights matching any of tags.
func (c *Client) Insights(ctx context.Context, tags []string, limit int) ([]Insight, error) {
	q := url.Values{}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.workspacePath("insights")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Insight
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.workspacePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	ws := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", ws, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
