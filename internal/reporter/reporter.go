// Package reporter renders a completed Task's Issues as a downloadable
// report. The only implementation in this repo is a flat CSV table: no
// spreadsheet-writing library exists anywhere in the dependency corpus this
// module was grown from, so a true .xlsx workbook is out of scope (see
// DESIGN.md); this package still proves out the Reporter interface
// boundary end-to-end.
package reporter

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
)

// Reporter renders a Task's results on demand. Reports are generated per
// request and streamed to the caller, never persisted.
type Reporter interface {
	Render(ctx context.Context, taskID string) (Report, error)
}

// Report is a rendered report ready to stream to an HTTP client.
type Report struct {
	Data        []byte
	ContentType string
	Filename    string
}

var csvHeader = []string{
	"issue_id", "type", "severity", "title", "description",
	"original_text", "user_impact", "reasoning", "location_hint",
	"user_feedback", "feedback_comment", "satisfaction_rating",
}

// CSVReporter is the default Reporter: one row per Issue, text/csv.
type CSVReporter struct {
	store *store.Store
}

func NewCSVReporter(s *store.Store) *CSVReporter {
	return &CSVReporter{store: s}
}

func (r *CSVReporter) Render(ctx context.Context, taskID string) (Report, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, docerr.New(docerr.KindValidation, docerr.CodeNotFound, "task not found")
	}
	if err != nil {
		return Report{}, fmt.Errorf("load task: %w", err)
	}
	if task.Status != store.TaskStatusCompleted {
		return Report{}, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "report is only available for a completed task")
	}

	issues, err := r.store.ListIssuesByTask(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("list issues: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return Report{}, fmt.Errorf("write csv header: %w", err)
	}
	for _, iss := range issues {
		rating := ""
		if iss.SatisfactionRating != nil {
			rating = strconv.Itoa(*iss.SatisfactionRating)
		}
		row := []string{
			iss.ID, string(iss.Type), string(iss.Severity), iss.Title, iss.Description,
			iss.OriginalText, iss.UserImpact, iss.Reasoning, iss.LocationHint,
			string(iss.UserFeedback), iss.FeedbackComment, rating,
		}
		if err := w.Write(row); err != nil {
			return Report{}, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Report{}, fmt.Errorf("flush csv: %w", err)
	}

	return Report{
		Data:        buf.Bytes(),
		ContentType: "text/csv",
		Filename:    fmt.Sprintf("task-%s-report.csv", taskID),
	}, nil
}
