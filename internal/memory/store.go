package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deliverline/internal/domain"
	"deliverline/internal/events"
)

const defaultQueryLimit = 10

// ValidationError reports a malformed insight.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid insight %s: %s", e.Field, e.Reason)
}

// Store is the append-only insight store. It has no update or delete; corrections are new insights.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	Logger zerolog.Logger
}

func New(db *sql.DB, now func() time.Time, logger zerolog.Logger) Store {
	if now == nil {
		now = time.Now
	}
	return Store{DB: db, Events: events.Writer{Now: now}, Now: now, Logger: logger}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Query selects insights for a workspace. Tags match when an insight carries any of them.
type Query struct {
	WorkspaceID   string
	Tags          []string
	Type          string
	MinConfidence float64
	Limit         int
}

// ContentHash normalizes whitespace and case before hashing so trivially different
// phrasings of the same insight collide.
func ContentHash(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

func validate(in domain.Insight) error {
	if strings.TrimSpace(in.WorkspaceID) == "" {
		return &ValidationError{Field: "workspace_id", Reason: "required"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if in.ConfidenceScore < 0 || in.ConfidenceScore > 1 {
		return &ValidationError{Field: "confidence_score", Reason: "must be within [0,1]"}
	}
	for _, t := range domain.InsightTypes {
		if in.InsightType == t {
			return nil
		}
	}
	return &ValidationError{Field: "insight_type", Reason: fmt.Sprintf("unknown type %q", in.InsightType)}
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Store appends an insight and returns its id. A nil TaskID is accepted.
func (s Store) Store(ctx context.Context, in domain.Insight) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := s.StoreTx(ctx, tx, in)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// StoreTx appends an insight inside the caller's transaction.
func (s Store) StoreTx(ctx context.Context, tx *sql.Tx, in domain.Insight) (string, error) {
	if err := validate(in); err != nil {
		return "", err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt == "" {
		in.CreatedAt = domain.FormatTime(s.now())
	}
	in.RelevanceTags = normalizeTags(in.RelevanceTags)
	in.ContentHash = ContentHash(in.Content)
	tagsJSON, err := json.Marshal(in.RelevanceTags)
	if err != nil {
		return "", err
	}
	var taskID any
	if in.TaskID != nil && *in.TaskID != "" {
		taskID = *in.TaskID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO insights(id,workspace_id,task_id,agent_role,insight_type,content,tags_json,confidence_score,content_hash,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.WorkspaceID, taskID, in.AgentRole, in.InsightType, in.Content, string(tagsJSON), in.ConfidenceScore, in.ContentHash, in.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert insight: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	for _, tag := range in.RelevanceTags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO insight_tags(insight_seq,tag) VALUES (?,?)`, seq, tag); err != nil {
			return "", fmt.Errorf("insert insight tag: %w", err)
		}
	}
	payload := events.Payload{"insight_type": in.InsightType, "confidence_score": in.ConfidenceScore, "tags": in.RelevanceTags}
	if taskID != nil {
		payload["task_id"] = taskID
	}
	if err := s.Events.Append(ctx, tx, events.InsightStored, in.WorkspaceID, "insight", in.ID, "system", payload); err != nil {
		return "", err
	}
	s.Logger.Debug().Str("workspace_id", in.WorkspaceID).Str("insight_id", in.ID).Str("type", in.InsightType).Msg("insight.stored")
	return in.ID, nil
}

// Query returns insights most relevant first: confidence desc, then recency desc, then
// insertion order.
func (s Store) Query(ctx context.Context, q Query) ([]domain.Insight, error) {
	if strings.TrimSpace(q.WorkspaceID) == "" {
		return nil, &ValidationError{Field: "workspace_id", Reason: "required"}
	}
	clauses := []string{"i.workspace_id=?"}
	args := []any{q.WorkspaceID}
	if q.Type != "" {
		clauses = append(clauses, "i.insight_type=?")
		args = append(args, q.Type)
	}
	if q.MinConfidence > 0 {
		clauses = append(clauses, "i.confidence_score>=?")
		args = append(args, q.MinConfidence)
	}
	if tags := normalizeTags(q.Tags); len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		clauses = append(clauses, "EXISTS (SELECT 1 FROM insight_tags t WHERE t.insight_seq=i.seq AND t.tag IN ("+placeholders+"))")
		for _, t := range tags {
			args = append(args, t)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, `SELECT i.seq,i.id,i.workspace_id,i.task_id,COALESCE(i.agent_role,''),i.insight_type,i.content,i.tags_json,i.confidence_score,i.content_hash,i.created_at
FROM insights i WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY i.confidence_score DESC, i.created_at DESC, i.seq ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Insight
	for rows.Next() {
		var in domain.Insight
		var taskID sql.NullString
		var tagsJSON string
		if err := rows.Scan(&in.Seq, &in.ID, &in.WorkspaceID, &taskID, &in.AgentRole, &in.InsightType, &in.Content,
			&tagsJSON, &in.ConfidenceScore, &in.ContentHash, &in.CreatedAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			v := taskID.String
			in.TaskID = &v
		}
		if err := json.Unmarshal([]byte(tagsJSON), &in.RelevanceTags); err != nil {
			return nil, fmt.Errorf("decode insight %s tags: %w", in.ID, err)
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// Dedupe keeps the first insight per content hash, preserving order.
func Dedupe(in []domain.Insight) []domain.Insight {
	seen := map[string]struct{}{}
	out := make([]domain.Insight, 0, len(in))
	for _, i := range in {
		h := i.ContentHash
		if h == "" {
			h = ContentHash(i.Content)
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, i)
	}
	return out
}
