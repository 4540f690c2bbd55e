package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abitura-hub/abitura-admission-hub/internal/application/dispatch"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeStudents struct {
	byID map[string]*student.Student
}

func newFakeStudents() *fakeStudents {
	return &fakeStudents{byID: make(map[string]*student.Student)}
}

func (f *fakeStudents) Create(ctx context.Context, s *student.Student) error {
	if _, ok := f.byID[s.ID]; ok {
		return student.ErrStudentAlreadyExists
	}
	f.byID[s.ID] = s.Clone()
	return nil
}

func (f *fakeStudents) GetByID(ctx context.Context, id string) (*student.Student, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, student.ErrStudentNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStudents) ListScannable(ctx context.Context) ([]*student.Student, error) {
	out := make([]*student.Student, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeStudents) Update(ctx context.Context, s *student.Student, expectedVersion int64) error {
	current, ok := f.byID[s.ID]
	if !ok {
		return student.ErrStudentNotFound
	}
	if current.Version != expectedVersion {
		return student.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	f.byID[s.ID] = s.Clone()
	return nil
}

type fakeAttempts struct {
	byStudent map[string][]*ledger.Attempt
}

func (f *fakeAttempts) Record(ctx context.Context, a *ledger.Attempt) error  { return nil }
func (f *fakeAttempts) Resolve(ctx context.Context, a *ledger.Attempt) error { return nil }
func (f *fakeAttempts) GetByID(ctx context.Context, id string) (*ledger.Attempt, error) {
	return nil, ledger.ErrAttemptNotFound
}
func (f *fakeAttempts) FindInFlight(ctx context.Context, studentID, actionType string) (*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeAttempts) PendingDueBefore(ctx context.Context, t time.Time) ([]*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeAttempts) StalePendingBefore(ctx context.Context, t time.Time) ([]*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeAttempts) CountOutboundSince(ctx context.Context, studentID string, since time.Time) (int, error) {
	return 0, nil
}
func (f *fakeAttempts) LastExhaustedVoice(ctx context.Context, studentID string) (*ledger.Attempt, error) {
	return nil, nil
}
func (f *fakeAttempts) ListByStudent(ctx context.Context, studentID string, limit int) ([]*ledger.Attempt, error) {
	return f.byStudent[studentID], nil
}

type fakeEngine struct {
	cycleErr   error
	stats      dispatch.CycleStats
	dispatched []string
}

func (f *fakeEngine) RunCycle(ctx context.Context) (dispatch.CycleStats, error) {
	return f.stats, f.cycleErr
}

func (f *fakeEngine) RunForStudent(ctx context.Context, studentID string) error {
	if studentID == "missing" {
		return student.ErrStudentNotFound
	}
	f.dispatched = append(f.dispatched, studentID)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HARNESS
// ══════════════════════════════════════════════════════════════════════════════

type harness struct {
	server   *Server
	students *fakeStudents
	engine   *fakeEngine
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()

	students := newFakeStudents()
	engine := &fakeEngine{}

	server := NewServer(config, Dependencies{
		Students: students,
		Attempts: &fakeAttempts{byStudent: make(map[string][]*ledger.Attempt)},
		Engine:   engine,
	})

	return &harness{server: server, students: students, engine: engine}
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedStudent(t *testing.T, id string) {
	t.Helper()
	st, err := student.NewStudent(student.NewStudentParams{
		ID:       id,
		FullName: "Айгерим Досанова",
		Phone:    shared.Phone("+77011234567"),
	})
	require.NoError(t, err)
	require.NoError(t, h.students.Create(context.Background(), st))
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) JSONResponse {
	t.Helper()
	var resp JSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestHandleRunScan_Success(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.stats = dispatch.CycleStats{Scanned: 12, Dispatched: 3}

	rec := h.do(http.MethodPost, "/api/v1/scan/run", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
}

func TestHandleRunScan_AlreadyRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.cycleErr = shared.ErrScanAlreadyRunning

	rec := h.do(http.MethodPost, "/api/v1/scan/run", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "scan_already_running", resp.Error.Code)
}

func TestHandleCreateStudent(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	rec := h.do(http.MethodPost, "/api/v1/students/", createStudentRequest{
		FullName: "Нурлан Абенов",
		Phone:    "+77019876543",
		Timezone: "Asia/Almaty",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data studentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, "inquiry_submitted", resp.Data.Status)
}

func TestHandleCreateStudent_InvalidPhone(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	rec := h.do(http.MethodPost, "/api/v1/students/", createStudentRequest{
		FullName: "Нурлан Абенов",
		Phone:    "not-a-phone",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetStudent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seedStudent(t, "stu-1")

	rec := h.do(http.MethodGet, "/api/v1/students/stu-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/students/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDispatchStudent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seedStudent(t, "stu-1")

	rec := h.do(http.MethodPost, "/api/v1/students/stu-1/dispatch", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"stu-1"}, h.engine.dispatched)

	rec = h.do(http.MethodPost, "/api/v1/students/missing/dispatch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleActivityWebhook(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seedStudent(t, "stu-1")

	before, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)

	occurredAt := time.Now().UTC().Add(time.Hour)
	rec := h.do(http.MethodPost, "/api/v1/webhooks/activity", activityWebhookRequest{
		StudentID:  "stu-1",
		Source:     "portal_login",
		OccurredAt: occurredAt.Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusOK, rec.Code)

	after, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
	assert.Equal(t, before.Version+1, after.Version)
}

func TestHandleActivityWebhook_StaleTimestampIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seedStudent(t, "stu-1")

	before, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)

	stale := before.LastActivityAt.Add(-24 * time.Hour)
	rec := h.do(http.MethodPost, "/api/v1/webhooks/activity", activityWebhookRequest{
		StudentID:  "stu-1",
		OccurredAt: stale.Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusOK, rec.Code)

	after, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
}

func TestHandleActivityWebhook_UnknownStudent(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	rec := h.do(http.MethodPost, "/api/v1/webhooks/activity", activityWebhookRequest{
		StudentID: "unknown",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOptOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seedStudent(t, "stu-1")

	rec := h.do(http.MethodPost, "/api/v1/students/stu-1/opt-out", optOutRequest{Channel: "voice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	st, err := h.students.GetByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.True(t, st.HasOptedOut(shared.ChannelVoice))

	rec = h.do(http.MethodPost, "/api/v1/students/stu-1/opt-out", optOutRequest{Channel: "internal"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	config := DefaultConfig()
	config.APIKeys = []string{"secret-key"}
	h := newHarness(t, config)
	h.seedStudent(t, "stu-1")

	// No key.
	rec := h.do(http.MethodGet, "/api/v1/students/stu-1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/students/stu-1", nil)
	req.Header.Set("X-API-Key", "secret-key")
	recorder := httptest.NewRecorder()
	h.server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)

	// Health stays open.
	rec = h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_NoBackends(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	rec := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
