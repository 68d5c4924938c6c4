package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/shareguard"
	"github.com/docreview/docreview/internal/store"
)

// loadAuthorizedIssue resolves the Issue, its owning Task, and the acting
// User, then checks op against ShareGuard scoped to that Task.
func (s *Server) loadAuthorizedIssue(r *http.Request, op shareguard.Operation) (*store.User, *store.Issue, *store.Task, error) {
	user, err := s.currentUser(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve user: %w", err)
	}
	issueID := r.PathValue("id")
	issue, err := s.cfg.Store.GetIssue(r.Context(), issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, docerr.New(docerr.KindValidation, docerr.CodeNotFound, "issue not found")
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load issue: %w", err)
	}
	task, err := s.cfg.Store.GetTask(r.Context(), issue.TaskID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load owning task: %w", err)
	}
	if err := s.cfg.Guard.Authorize(r.Context(), *user, *task, op); err != nil {
		return nil, nil, nil, err
	}
	return user, issue, task, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64) (any, error) {
	var parsed any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&parsed); err != nil {
		return nil, docerr.Wrap(docerr.KindValidation, docerr.CodeInvalidInput, err)
	}
	return parsed, nil
}

const maxFeedbackBodyBytes = 1 << 20

func (s *Server) handleIssueFeedback(w http.ResponseWriter, r *http.Request) {
	_, issue, _, err := s.loadAuthorizedIssue(r, shareguard.OpSubmitFeedback)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed, err := decodeJSONBody(w, r, maxFeedbackBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateAgainst(s.schemas.feedback, parsed); err != nil {
		writeError(w, err)
		return
	}
	body, _ := parsed.(map[string]any)
	feedbackType, _ := body["feedback_type"].(string)
	comment, hasComment := body["comment"].(string)

	feedback := store.Feedback(feedbackType)
	if feedback == "" {
		feedback = store.FeedbackUnset
	}
	if err := s.cfg.Store.SetIssueFeedback(r.Context(), issue.ID, feedback, issue.SatisfactionRating); err != nil {
		writeError(w, fmt.Errorf("set issue feedback: %w", err))
		return
	}
	if hasComment {
		if err := s.cfg.Store.SetIssueFeedbackComment(r.Context(), issue.ID, comment); err != nil {
			writeError(w, fmt.Errorf("set issue feedback comment: %w", err))
			return
		}
	}

	refreshed, err := s.cfg.Store.GetIssue(r.Context(), issue.ID)
	if err != nil {
		writeError(w, fmt.Errorf("reload issue: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

func (s *Server) handleIssueSatisfaction(w http.ResponseWriter, r *http.Request) {
	_, issue, _, err := s.loadAuthorizedIssue(r, shareguard.OpSubmitFeedback)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed, err := decodeJSONBody(w, r, maxFeedbackBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateAgainst(s.schemas.satisfaction, parsed); err != nil {
		writeError(w, err)
		return
	}
	body, _ := parsed.(map[string]any)
	ratingFloat, _ := body["satisfaction_rating"].(float64)
	rating := int(ratingFloat)

	if err := s.cfg.Store.SetIssueSatisfactionRating(r.Context(), issue.ID, rating); err != nil {
		writeError(w, fmt.Errorf("set issue satisfaction rating: %w", err))
		return
	}
	refreshed, err := s.cfg.Store.GetIssue(r.Context(), issue.ID)
	if err != nil {
		writeError(w, fmt.Errorf("reload issue: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

func (s *Server) handleIssueComment(w http.ResponseWriter, r *http.Request) {
	_, issue, _, err := s.loadAuthorizedIssue(r, shareguard.OpSubmitFeedback)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed, err := decodeJSONBody(w, r, maxFeedbackBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateAgainst(s.schemas.comment, parsed); err != nil {
		writeError(w, err)
		return
	}
	body, _ := parsed.(map[string]any)
	comment, _ := body["comment"].(string)

	if err := s.cfg.Store.SetIssueFeedbackComment(r.Context(), issue.ID, comment); err != nil {
		writeError(w, fmt.Errorf("set issue comment: %w", err))
		return
	}
	refreshed, err := s.cfg.Store.GetIssue(r.Context(), issue.ID)
	if err != nil {
		writeError(w, fmt.Errorf("reload issue: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}
