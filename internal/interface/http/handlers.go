package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "abitura-admission-hub",
		"uptime":  s.Uptime().String(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports readiness: the database must answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// componentHealth is one entry of the health report.
type componentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// handleHealth aggregates the health of every backend: database, cache
// and dispatch gateways. Degraded gateways do not fail the check - the
// engine tolerates them - but they show up in the report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := make(map[string]componentHealth)
	healthy := true

	if s.deps.DB != nil {
		status, err := s.deps.DB.Health(ctx)
		switch {
		case err != nil:
			report["postgres"] = componentHealth{Healthy: false, Detail: err.Error()}
			healthy = false
		case !status.Healthy:
			report["postgres"] = componentHealth{Healthy: false, Detail: status.Error}
			healthy = false
		default:
			report["postgres"] = componentHealth{
				Healthy: true,
				Detail:  "pending_attempts=" + strconv.Itoa(status.PendingAttempts),
			}
		}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			report["redis"] = componentHealth{Healthy: false, Detail: err.Error()}
			healthy = false
		} else {
			report["redis"] = componentHealth{Healthy: true}
		}
	}

	for _, gw := range s.deps.Gateways {
		name := "gateway_" + gw.Channel().String()
		if gw.IsHealthy(ctx) {
			report[name] = componentHealth{Healthy: true}
		} else {
			report[name] = componentHealth{Healthy: false, Detail: "health check failed"}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ══════════════════════════════════════════════════════════════════════════════
// SCAN ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

// handleRunScan triggers one scan cycle immediately.
func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Engine.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, shared.ErrScanAlreadyRunning) {
			writeJSONError(w, http.StatusConflict, "scan_already_running",
				"a scan cycle is already in progress")
			return
		}
		s.logger.Error("manual scan failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "scan_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleDispatchStudent runs assessment and dispatch for one student.
func (s *Server) handleDispatchStudent(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	if err := s.deps.Engine.RunForStudent(r.Context(), studentID); err != nil {
		if errors.Is(err, student.ErrStudentNotFound) {
			writeJSONError(w, http.StatusNotFound, "student_not_found", "unknown student id")
			return
		}
		s.logger.Error("student dispatch failed", "student_id", studentID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}

	s.invalidateCache(r, studentID)
	writeJSON(w, http.StatusAccepted, map[string]string{"student_id": studentID})
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

// createStudentRequest is the body of POST /students.
type createStudentRequest struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Timezone string `json:"timezone,omitempty"`
}

// studentResponse is the public view of a student.
type studentResponse struct {
	ID              string     `json:"id"`
	FullName        string     `json:"full_name"`
	Phone           string     `json:"phone"`
	Timezone        string     `json:"timezone,omitempty"`
	Status          string     `json:"status"`
	RiskScore       int        `json:"risk_score"`
	RiskLevel       string     `json:"risk_level"`
	RiskFactors     []string   `json:"risk_factors,omitempty"`
	ContactAttempts int        `json:"contact_attempts"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	LastContactAt   *time.Time `json:"last_contact_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toStudentResponse(st *student.Student) studentResponse {
	return studentResponse{
		ID:              st.ID,
		FullName:        st.FullName,
		Phone:           st.Phone.String(),
		Timezone:        string(st.Timezone),
		Status:          string(st.Status),
		RiskScore:       st.RiskScore,
		RiskLevel:       st.RiskLevel.String(),
		RiskFactors:     st.RiskFactors,
		ContactAttempts: st.ContactAttempts,
		LastActivityAt:  st.LastActivityAt,
		LastContactAt:   st.LastContactAt,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}
}

func (s *Server) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	var req createStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	st, err := student.NewStudent(student.NewStudentParams{
		ID:       id,
		FullName: req.FullName,
		Phone:    shared.Phone(req.Phone),
		Timezone: shared.Timezone(req.Timezone),
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_student", err.Error())
		return
	}

	if err := s.deps.Students.Create(r.Context(), st); err != nil {
		if errors.Is(err, student.ErrStudentAlreadyExists) {
			writeJSONError(w, http.StatusConflict, "student_exists", "student with this id already exists")
			return
		}
		s.logger.Error("student create failed", "student_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "create_failed", "could not create student")
		return
	}

	writeJSON(w, http.StatusCreated, toStudentResponse(st))
}

// handleGetStudent reads a student through the cache when available.
func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	ctx := r.Context()

	if s.deps.StudentCache != nil {
		if st, err := s.deps.StudentCache.Get(ctx, studentID); err == nil && st != nil {
			writeJSON(w, http.StatusOK, toStudentResponse(st))
			return
		}
	}

	st, err := s.deps.Students.GetByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, student.ErrStudentNotFound) {
			writeJSONError(w, http.StatusNotFound, "student_not_found", "unknown student id")
			return
		}
		s.logger.Error("student lookup failed", "student_id", studentID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "lookup_failed", "could not load student")
		return
	}

	if s.deps.StudentCache != nil {
		_ = s.deps.StudentCache.Set(ctx, st)
	}

	writeJSON(w, http.StatusOK, toStudentResponse(st))
}

// attemptResponse is the public view of a ledger entry.
type attemptResponse struct {
	ID            string     `json:"id"`
	ActionType    string     `json:"action_type"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	AttemptNumber int        `json:"attempt_number"`
	FailureClass  string     `json:"failure_class,omitempty"`
	Error         string     `json:"error,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleGetStudentAttempts(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	attempts, err := s.deps.Attempts.ListByStudent(r.Context(), studentID, limit)
	if err != nil {
		s.logger.Error("attempt history lookup failed", "student_id", studentID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "lookup_failed", "could not load attempt history")
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, toAttemptResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func toAttemptResponse(a *ledger.Attempt) attemptResponse {
	return attemptResponse{
		ID:            a.ID,
		ActionType:    a.ActionType,
		Channel:       a.Channel.String(),
		Status:        string(a.Status),
		AttemptNumber: a.AttemptNumber,
		FailureClass:  string(a.FailureClass),
		Error:         a.Error,
		ExternalID:    a.ExternalID,
		NextRetryAt:   a.NextRetryAt,
		ResolvedAt:    a.ResolvedAt,
		CreatedAt:     a.CreatedAt,
	}
}

// optOutRequest is the body of POST /students/{id}/opt-out.
type optOutRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	var req optOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	channel := shared.Channel(req.Channel)
	if !channel.IsValid() || !channel.IsOutbound() {
		writeJSONError(w, http.StatusBadRequest, "invalid_channel",
			"channel must be voice or whatsapp")
		return
	}

	err := s.updateStudent(r, studentID, func(st *student.Student) {
		st.OptOut(channel)
	})
	if err != nil {
		s.writeStudentUpdateError(w, studentID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"student_id": studentID,
		"channel":    channel.String(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY WEBHOOK
// ══════════════════════════════════════════════════════════════════════════════

// activityWebhookRequest is the inbound activity notification from the
// application portal: a login, a form save, a document upload.
type activityWebhookRequest struct {
	StudentID  string `json:"student_id"`
	Source     string `json:"source,omitempty"`
	OccurredAt string `json:"occurred_at,omitempty"` // RFC3339, defaults to now
}

func (s *Server) handleActivityWebhook(w http.ResponseWriter, r *http.Request) {
	var req activityWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}
	if req.StudentID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_student_id", "student_id is required")
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_occurred_at",
				"occurred_at must be RFC3339")
			return
		}
		occurredAt = parsed
	}

	err := s.updateStudent(r, req.StudentID, func(st *student.Student) {
		st.RecordActivity(occurredAt)
	})
	if err != nil {
		s.writeStudentUpdateError(w, req.StudentID, err)
		return
	}

	if s.deps.Publisher != nil {
		_ = s.deps.Publisher.Publish(shared.NewActivityRecordedEvent(req.StudentID, req.Source))
	}

	writeJSON(w, http.StatusOK, map[string]string{"student_id": req.StudentID})
}

// ══════════════════════════════════════════════════════════════════════════════
// JOBS
// ══════════════════════════════════════════════════════════════════════════════

// jobResponse is the public view of a scheduled job.
type jobResponse struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	Schedule    string    `json:"schedule"`
	LastRun     time.Time `json:"last_run,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
	RunCount    int64     `json:"run_count"`
	FailCount   int64     `json:"fail_count"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, []jobResponse{})
		return
	}

	infos := s.deps.Scheduler.ListJobs()
	out := make([]jobResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, jobResponse{
			Name:        info.Name,
			Description: info.Description,
			Enabled:     info.Enabled,
			Schedule:    info.Schedule,
			LastRun:     info.LastRun,
			NextRun:     info.NextRun,
			RunCount:    info.RunCount,
			FailCount:   info.FailCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// updateStudent loads a student, applies mutate, and saves under the
// loaded version. Version conflicts are retried a few times: webhook
// traffic races the scan cycle and the loser just reloads.
func (s *Server) updateStudent(r *http.Request, studentID string, mutate func(*student.Student)) error {
	ctx := r.Context()

	const maxRetries = 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		st, err := s.deps.Students.GetByID(ctx, studentID)
		if err != nil {
			return err
		}

		mutate(st)

		if err := s.deps.Students.Update(ctx, st, st.Version); err != nil {
			if errors.Is(err, student.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}

		s.invalidateCache(r, studentID)
		return nil
	}

	return lastErr
}

// invalidateCache drops the cached student view after a write.
func (s *Server) invalidateCache(r *http.Request, studentID string) {
	if s.deps.StudentCache != nil {
		_ = s.deps.StudentCache.Invalidate(r.Context(), studentID)
	}
}

// writeStudentUpdateError maps updateStudent failures to HTTP responses.
func (s *Server) writeStudentUpdateError(w http.ResponseWriter, studentID string, err error) {
	switch {
	case errors.Is(err, student.ErrStudentNotFound):
		writeJSONError(w, http.StatusNotFound, "student_not_found", "unknown student id")
	case errors.Is(err, student.ErrVersionConflict):
		writeJSONError(w, http.StatusConflict, "version_conflict",
			"student was updated concurrently, retry the request")
	default:
		s.logger.Error("student update failed", "student_id", studentID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "update_failed", "could not update student")
	}
}
