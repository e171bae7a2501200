package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/freqops/freqops/internal/errors"
	"github.com/freqops/freqops/pkg/dispatch"
	"github.com/freqops/freqops/pkg/task"
)

// fakeSubmitter records calls and answers from a scripted store.
type fakeSubmitter struct {
	store     *task.MemoryStore
	submitErr error
	stopErr   error
	lastKind  task.Kind
}

func (f *fakeSubmitter) Submit(ctx context.Context, kind task.Kind, payload task.Payload) (task.Task, error) {
	f.lastKind = kind
	if f.submitErr != nil {
		return task.Task{}, f.submitErr
	}
	if !kind.Valid() {
		return task.Task{}, fmt.Errorf("%w: unknown task kind %q", dispatch.ErrValidation, string(kind))
	}
	return f.store.Create(ctx, kind, payload)
}

func (f *fakeSubmitter) Stop(ctx context.Context, id string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	_, err := f.store.Get(ctx, id)
	return err
}

func newTaskRouter(sub *fakeSubmitter) http.Handler {
	h := NewTaskHandler(sub, sub.store)
	r := chi.NewRouter()
	r.Post("/backtest", h.SubmitBacktest)
	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/task/{id}", h.GetTask)
	r.Post("/task/{id}/stop", h.StopTask)
	return r
}

func TestTaskHandler_SubmitBacktest(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	body := `{"strategy":"SampleStrategy","timerange":"20240101-","config":{"stake_currency":"BTC"}}`
	req := httptest.NewRequest(http.MethodPost, "/backtest", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.KindBacktest, sub.lastKind)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "pending", resp.Status)
}

func TestTaskHandler_SubmitTask_ExplicitKind(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	body := `{"kind":"hyperopt","strategy":"SampleStrategy"}`
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.KindHyperopt, sub.lastKind)
}

func TestTaskHandler_Submit_MalformedBody(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	req := httptest.NewRequest(http.MethodPost, "/backtest", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeValidation, body.Error.Code)
}

func TestTaskHandler_Submit_ValidationErrorMapsTo400(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	body := `{"kind":"juggling","strategy":"SampleStrategy"}`
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var respBody apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &respBody))
	assert.Equal(t, apperrors.CodeValidation, respBody.Error.Code)
}

func TestTaskHandler_GetTask(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	created, err := sub.store.Create(context.Background(), task.KindBacktest, task.Payload{Strategy: "S"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/task/"+created.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestTaskHandler_GetTask_NotFound(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	req := httptest.NewRequest(http.MethodGet, "/task/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
}

func TestTaskHandler_ListTasks_Filters(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	_, err := sub.store.Create(context.Background(), task.KindBacktest, task.Payload{Strategy: "A"})
	require.NoError(t, err)
	_, err = sub.store.Create(context.Background(), task.KindHyperopt, task.Payload{Strategy: "B"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tasks?kind=hyperopt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tasks []task.Task `json:"tasks"`
		Count int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, task.KindHyperopt, resp.Tasks[0].Kind)
}

func TestTaskHandler_ListTasks_BadFilter(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	for _, target := range []string{"/tasks?status=bogus", "/tasks?kind=bogus"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestTaskHandler_ListTasks_EmptyIsArray(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tasks":[]`)
}

func TestTaskHandler_StopTask_NotFound(t *testing.T) {
	sub := &fakeSubmitter{store: task.NewMemoryStore()}
	router := newTaskRouter(sub)

	req := httptest.NewRequest(http.MethodPost, "/task/nope/stop", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
