package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/shareguard"
	"github.com/docreview/docreview/internal/store"
)

// deleteCancelPollInterval/deleteCancelPollTimeout bound how long
// handleDeleteTask waits for a cancelled in-flight pipeline to be observed
// by its worker before cascading the delete, per CancelTask's cancel-then-
// delete contract. A task that fails to settle within the timeout is
// deleted anyway rather than hanging the request indefinitely.
const (
	deleteCancelPollInterval = 50 * time.Millisecond
	deleteCancelPollTimeout  = 2 * time.Second
)

// taskResponse is the JSON shape returned for a single Task, shared by
// submission, listing, and detail responses.
type taskResponse struct {
	ID           string  `json:"id"`
	OwnerUserID  string  `json:"owner_user_id"`
	FileInfoID   string  `json:"file_info_id"`
	AIModelID    string  `json:"ai_model_id"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	CurrentStage string  `json:"current_stage"`
	RetryCount   int     `json:"retry_count"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func taskToResponse(t store.Task) taskResponse {
	return taskResponse{
		ID:           t.ID,
		OwnerUserID:  t.OwnerUserID,
		FileInfoID:   t.FileInfoID,
		AIModelID:    t.AIModelID,
		Title:        t.Title,
		Status:       string(t.Status),
		Progress:     t.Progress,
		CurrentStage: t.CurrentStage,
		RetryCount:   t.RetryCount,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// taskDetailResponse is GET /tasks/{id}'s body: the Task plus issue counts
// and the caller's own resolved permission.
type taskDetailResponse struct {
	taskResponse
	IssueCount       int    `json:"issue_count"`
	Permission       string `json:"permission"`
	ActiveShareCount int    `json:"active_share_count,omitempty"`
}

// resolveModel picks the AIModel a submission should run against: by index
// into ListAIModels (stable key order) when model_index is supplied,
// otherwise the configured default.
func (s *Server) resolveModel(r *http.Request, modelIndexField string) (*store.AIModel, error) {
	if modelIndexField == "" {
		return s.cfg.Store.DefaultAIModel(r.Context())
	}
	idx, err := strconv.Atoi(modelIndexField)
	if err != nil || idx < 0 {
		return nil, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "model_index must be a non-negative integer")
	}
	models, err := s.cfg.Store.ListAIModels(r.Context())
	if err != nil {
		return nil, fmt.Errorf("list ai models: %w", err)
	}
	if idx >= len(models) {
		return nil, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "model_index out of range")
	}
	return &models[idx], nil
}

// admitOne runs the HTTP boundary's non-blocking capacity precheck: it asks
// the Governor for a slot and immediately releases it. The WorkerPool holds
// the real slot later, blocking via Acquire, only once a worker actually
// claims the task; this precheck exists purely to reject over-capacity
// submissions fast instead of letting them sit in the queue.
func (s *Server) admitOne(user store.User) error {
	token, err := s.cfg.Governor.TryAcquire(user.ID, user.MaxConcurrentTasks)
	if err != nil {
		return err
	}
	token.Release()
	return nil
}

// ingestOne stores one uploaded file, resolves its model, and enqueues the
// resulting Task.
func (s *Server) ingestOne(r *http.Request, user store.User, fh *multipart.FileHeader, title, modelIndexField string) (*store.Task, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer f.Close()

	sha, storedPath, size, err := storeUpload(s.cfg.UploadDir, f, s.cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	fileInfo, err := s.cfg.Store.GetOrCreateFileInfo(r.Context(), store.FileInfo{
		SHA256:       sha,
		StoredPath:   storedPath,
		OriginalName: fh.Filename,
		SizeBytes:    size,
		MimeType:     sniffMimeType(fh.Header.Get("Content-Type"), fh.Filename),
	})
	if err != nil {
		return nil, fmt.Errorf("record file info: %w", err)
	}

	model, err := s.resolveModel(r, modelIndexField)
	if err != nil {
		return nil, err
	}

	if title == "" {
		title = fh.Filename
	}

	if err := s.admitOne(user); err != nil {
		return nil, err
	}

	task, _, err := s.cfg.Queue.Enqueue(r.Context(), store.Task{
		OwnerUserID: user.ID,
		FileInfoID:  fileInfo.ID,
		AIModelID:   model.ID,
		Title:       title,
	}, s.cfg.DefaultPriority)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, fmt.Errorf("resolve user: %w", err))
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, docerr.Wrap(docerr.KindValidation, docerr.CodeInvalidInput, err))
		return
	}
	fh, err := singleUploadedFile(r, "file")
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := s.ingestOne(r, *user, fh, r.FormValue("title"), r.FormValue("model_index"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(*task))
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, fmt.Errorf("resolve user: %w", err))
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, docerr.Wrap(docerr.KindValidation, docerr.CodeInvalidInput, err))
		return
	}
	files := r.MultipartForm.File["files[]"]
	if len(files) == 0 {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		writeError(w, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "no files[] supplied"))
		return
	}

	tasks := make([]taskResponse, 0, len(files))
	for _, fh := range files {
		task, err := s.ingestOne(r, *user, fh, "", r.FormValue("model_index"))
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = append(tasks, taskToResponse(*task))
	}
	writeJSON(w, http.StatusCreated, tasks)
}

func singleUploadedFile(r *http.Request, field string) (*multipart.FileHeader, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "no "+field+" supplied")
	}
	return r.MultipartForm.File[field][0], nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, fmt.Errorf("resolve user: %w", err))
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := store.TaskFilter{
		Search:    q.Get("search"),
		Status:    store.TaskStatus(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if user.Role != store.RoleSystemAdmin {
		filter.OwnerUserID = user.ID
	}

	items, total, err := s.cfg.Store.ListTasksPaginated(r.Context(), filter, page, pageSize)
	if err != nil {
		writeError(w, fmt.Errorf("list tasks: %w", err))
		return
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	out := make([]taskResponse, len(items))
	for i, t := range items {
		out[i] = taskToResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     out,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"has_next":  int64(page*pageSize) < total,
	})
}

func (s *Server) handleTaskStatistics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountTasksByStatus(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("count tasks by status: %w", err))
		return
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConcurrencyStatus(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, fmt.Errorf("resolve user: %w", err))
		return
	}
	sysCap, sysUsed := s.cfg.Governor.SystemCapacity()
	userCap, userUsed, _ := s.cfg.Governor.UserCapacity(user.ID)
	if userCap == 0 {
		userCap = user.MaxConcurrentTasks
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system": map[string]int{"used": sysUsed, "cap": sysCap},
		"user":   map[string]int{"used": userUsed, "cap": userCap},
	})
}

// loadAuthorizedTask resolves the Task and the acting User, then checks op
// against ShareGuard, in the order every task-scoped handler needs.
func (s *Server) loadAuthorizedTask(r *http.Request, op shareguard.Operation) (*store.User, *store.Task, error) {
	user, err := s.currentUser(r)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user: %w", err)
	}
	taskID := r.PathValue("id")
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, docerr.New(docerr.KindValidation, docerr.CodeNotFound, "task not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	if err := s.cfg.Guard.Authorize(r.Context(), *user, *task, op); err != nil {
		return nil, nil, err
	}
	return user, task, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	user, task, err := s.loadAuthorizedTask(r, shareguard.OpViewTask)
	if err != nil {
		writeError(w, err)
		return
	}
	issues, err := s.cfg.Store.ListIssuesByTask(r.Context(), task.ID)
	if err != nil {
		writeError(w, fmt.Errorf("list issues: %w", err))
		return
	}
	perm, _ := s.cfg.Guard.Resolve(r.Context(), *user, *task)

	detail := taskDetailResponse{
		taskResponse: taskToResponse(*task),
		IssueCount:   len(issues),
		Permission:   string(perm),
	}
	if perm == store.PermissionFullAccess {
		shares, err := s.cfg.Store.ListSharesByTask(r.Context(), task.ID)
		if err == nil {
			active := 0
			for _, sh := range shares {
				if sh.Active {
					active++
				}
			}
			detail.ActiveShareCount = active
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// awaitCancelObserved polls the Task's status until the worker that held it
// transitions it out of processing (into queued via retry, or a terminal
// state), or deleteCancelPollTimeout elapses.
func (s *Server) awaitCancelObserved(ctx context.Context, taskID string) {
	deadline := time.Now().Add(deleteCancelPollTimeout)
	for time.Now().Before(deadline) {
		t, err := s.cfg.Store.GetTask(ctx, taskID)
		if err != nil || t.Status != store.TaskStatusProcessing {
			return
		}
		time.Sleep(deleteCancelPollInterval)
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	_, task, err := s.loadAuthorizedTask(r, shareguard.OpDeleteTask)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Status == store.TaskStatusProcessing && s.cfg.Cancel != nil && s.cfg.Cancel(task.ID) {
		s.awaitCancelObserved(r.Context(), task.ID)
	}
	if err := s.cfg.Store.DeleteTask(r.Context(), task.ID); err != nil {
		writeError(w, fmt.Errorf("delete task: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	user, task, err := s.loadAuthorizedTask(r, shareguard.OpSubmitFeedback)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Queue.RetryFailed(r.Context(), task.ID, user.ID); err != nil {
		writeError(w, err)
		return
	}
	refreshed, err := s.cfg.Store.GetTask(r.Context(), task.ID)
	if err != nil {
		writeError(w, fmt.Errorf("reload task after retry: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(*refreshed))
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	_, task, err := s.loadAuthorizedTask(r, shareguard.OpDownloadReport)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.cfg.Reporter.Render(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(report.Filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	_, task, err := s.loadAuthorizedTask(r, shareguard.OpViewTask)
	if err != nil {
		writeError(w, err)
		return
	}
	fileInfo, err := s.cfg.Store.GetFileInfo(r.Context(), task.FileInfoID)
	if err != nil {
		writeError(w, fmt.Errorf("load file info: %w", err))
		return
	}
	w.Header().Set("Content-Type", fileInfo.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(fileInfo.OriginalName)))
	http.ServeFile(w, r, fileInfo.StoredPath)
}

func (s *Server) handleLogHistory(w http.ResponseWriter, r *http.Request) {
	_, task, err := s.loadAuthorizedTask(r, shareguard.OpViewTask)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			limit = n
		}
	}

	var rows []store.TaskLog
	if v := r.URL.Query().Get("since_id"); v != "" {
		fromID, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			writeError(w, docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "since_id must be an integer"))
			return
		}
		rows, err = s.cfg.Store.ListLogsFrom(r.Context(), task.ID, fromID, limit)
	} else {
		rows, err = s.cfg.Store.ListLastLogs(r.Context(), task.ID, limit)
	}
	if err != nil {
		writeError(w, fmt.Errorf("list task logs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
