package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type IssueType string

const (
	IssueTypeGrammar      IssueType = "grammar"
	IssueTypeLogic        IssueType = "logic"
	IssueTypeCompleteness IssueType = "completeness"
	IssueTypeOther        IssueType = "other"
)

type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

type Feedback string

const (
	FeedbackAccept Feedback = "accept"
	FeedbackReject Feedback = "reject"
	FeedbackUnset  Feedback = "unset"
)

type Issue struct {
	ID                 string
	TaskID             string
	Type               IssueType
	Severity           IssueSeverity
	Title              string
	Description        string
	OriginalText       string
	UserImpact         string
	Reasoning          string
	LocationHint       string
	UserFeedback       Feedback
	FeedbackComment    string
	SatisfactionRating *int
	CreatedAt          time.Time
}

func insertIssueTx(ctx context.Context, tx *sql.Tx, iss Issue) error {
	if iss.ID == "" {
		iss.ID = uuid.NewString()
	}
	if iss.UserFeedback == "" {
		iss.UserFeedback = FeedbackUnset
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, task_id, type, severity, title, description, original_text,
			user_impact, reasoning, location_hint, user_feedback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, iss.ID, iss.TaskID, string(iss.Type), string(iss.Severity), iss.Title, iss.Description,
		iss.OriginalText, iss.UserImpact, iss.Reasoning, iss.LocationHint, string(iss.UserFeedback))
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *Store) ListIssuesByTask(ctx context.Context, taskID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, severity, title, description, COALESCE(original_text, ''),
			COALESCE(user_impact, ''), COALESCE(reasoning, ''), COALESCE(location_hint, ''),
			user_feedback, COALESCE(feedback_comment, ''), satisfaction_rating, created_at
		FROM issues WHERE task_id = ? ORDER BY created_at ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var iss Issue
		var typ, sev, feedback string
		if err := rows.Scan(&iss.ID, &iss.TaskID, &typ, &sev, &iss.Title, &iss.Description, &iss.OriginalText,
			&iss.UserImpact, &iss.Reasoning, &iss.LocationHint, &feedback, &iss.FeedbackComment,
			&iss.SatisfactionRating, &iss.CreatedAt); err != nil {
			return nil, err
		}
		iss.Type = IssueType(typ)
		iss.Severity = IssueSeverity(sev)
		iss.UserFeedback = Feedback(feedback)
		out = append(out, iss)
	}
	return out, rows.Err()
}

// GetIssue looks up a single Issue, used by the feedback/satisfaction/comment
// endpoints to resolve the owning task_id for a ShareGuard check.
func (s *Store) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, type, severity, title, description, COALESCE(original_text, ''),
			COALESCE(user_impact, ''), COALESCE(reasoning, ''), COALESCE(location_hint, ''),
			user_feedback, COALESCE(feedback_comment, ''), satisfaction_rating, created_at
		FROM issues WHERE id = ?;
	`, issueID)
	var iss Issue
	var typ, sev, feedback string
	if err := row.Scan(&iss.ID, &iss.TaskID, &typ, &sev, &iss.Title, &iss.Description, &iss.OriginalText,
		&iss.UserImpact, &iss.Reasoning, &iss.LocationHint, &feedback, &iss.FeedbackComment,
		&iss.SatisfactionRating, &iss.CreatedAt); err != nil {
		return nil, err
	}
	iss.Type = IssueType(typ)
	iss.Severity = IssueSeverity(sev)
	iss.UserFeedback = Feedback(feedback)
	return &iss, nil
}

// SetIssueFeedback updates user_feedback and (optionally) satisfaction
// rating independently of feedback_comment: comment-only edits must never
// change feedback.
func (s *Store) SetIssueFeedback(ctx context.Context, issueID string, feedback Feedback, rating *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET user_feedback = ?, satisfaction_rating = ? WHERE id = ?;
	`, string(feedback), rating, issueID)
	return err
}

// SetIssueFeedbackComment updates only feedback_comment, leaving
// user_feedback untouched.
func (s *Store) SetIssueFeedbackComment(ctx context.Context, issueID, comment string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET feedback_comment = ? WHERE id = ?;`, comment, issueID)
	return err
}

// SetIssueSatisfactionRating updates only satisfaction_rating, leaving
// user_feedback and feedback_comment untouched.
func (s *Store) SetIssueSatisfactionRating(ctx context.Context, issueID string, rating int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET satisfaction_rating = ? WHERE id = ?;`, rating, issueID)
	return err
}
