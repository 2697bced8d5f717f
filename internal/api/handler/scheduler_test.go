package handler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/sner-project/sner/internal/api/handler"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScheduler struct {
	assignFn func(ctx context.Context, queueName string, caps []string) (*models.Assignment, error)
	outputFn func(ctx context.Context, jobID uuid.UUID, retval int, output []byte) (bool, error)
}

func (s *stubScheduler) JobAssign(ctx context.Context, queueName string, caps []string) (*models.Assignment, error) {
	return s.assignFn(ctx, queueName, caps)
}

func (s *stubScheduler) JobOutput(ctx context.Context, jobID uuid.UUID, retval int, output []byte) (bool, error) {
	return s.outputFn(ctx, jobID, retval, output)
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestJobAssign_NoWork(t *testing.T) {
	svc := &stubScheduler{assignFn: func(_ context.Context, _ string, _ []string) (*models.Assignment, error) {
		return nil, nil
	}}
	h := handler.NewJobAssignHandler(svc)

	w := postJSON(t, h, `{"caps": ["default"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestJobAssign_ReturnsAssignment(t *testing.T) {
	jobID := uuid.New()
	var gotQueue string
	var gotCaps []string
	svc := &stubScheduler{assignFn: func(_ context.Context, queueName string, caps []string) (*models.Assignment, error) {
		gotQueue, gotCaps = queueName, caps
		return &models.Assignment{
			ID:      jobID.String(),
			Config:  map[string]any{"module": "dummy"},
			Targets: []string{"127.0.0.1"},
		}, nil
	}}
	h := handler.NewJobAssignHandler(svc)

	w := postJSON(t, h, `{"queue": "main", "caps": ["default"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "main", gotQueue)
	assert.Equal(t, []string{"default"}, gotCaps)

	var assignment models.Assignment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assignment))
	assert.Equal(t, jobID.String(), assignment.ID)
	assert.Equal(t, []string{"127.0.0.1"}, assignment.Targets)
}

func TestJobAssign_EmptyBody(t *testing.T) {
	svc := &stubScheduler{assignFn: func(_ context.Context, queueName string, caps []string) (*models.Assignment, error) {
		assert.Empty(t, queueName)
		assert.Empty(t, caps)
		return nil, nil
	}}
	h := handler.NewJobAssignHandler(svc)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestJobAssign_BusyYieldsEmpty(t *testing.T) {
	svc := &stubScheduler{assignFn: func(_ context.Context, _ string, _ []string) (*models.Assignment, error) {
		return nil, scheduler.ErrBusy
	}}
	h := handler.NewJobAssignHandler(svc)

	w := postJSON(t, h, `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestJobAssign_InvalidBody(t *testing.T) {
	svc := &stubScheduler{assignFn: func(_ context.Context, _ string, _ []string) (*models.Assignment, error) {
		t.Fatal("assign must not be called")
		return nil, nil
	}}
	h := handler.NewJobAssignHandler(svc)

	w := postJSON(t, h, `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestJobOutput_Success(t *testing.T) {
	jobID := uuid.New()
	svc := &stubScheduler{outputFn: func(_ context.Context, id uuid.UUID, retval int, output []byte) (bool, error) {
		assert.Equal(t, jobID, id)
		assert.Equal(t, 0, retval)
		assert.Equal(t, []byte("zipdata"), output)
		return true, nil
	}}
	h := handler.NewJobOutputHandler(svc)

	body := fmt.Sprintf(`{"id": %q, "retval": 0, "output": %q}`,
		jobID, base64.StdEncoding.EncodeToString([]byte("zipdata")))
	w := postJSON(t, h, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message": "success"}`, w.Body.String())
}

func TestJobOutput_Discard(t *testing.T) {
	svc := &stubScheduler{outputFn: func(_ context.Context, _ uuid.UUID, _ int, _ []byte) (bool, error) {
		return false, nil
	}}
	h := handler.NewJobOutputHandler(svc)

	body := fmt.Sprintf(`{"id": %q, "retval": 1, "output": ""}`, uuid.New())
	w := postJSON(t, h, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message": "discard job"}`, w.Body.String())
}

func TestJobOutput_InvalidBase64(t *testing.T) {
	svc := &stubScheduler{outputFn: func(_ context.Context, _ uuid.UUID, _ int, _ []byte) (bool, error) {
		t.Fatal("output must not be called")
		return false, nil
	}}
	h := handler.NewJobOutputHandler(svc)

	body := fmt.Sprintf(`{"id": %q, "retval": 0, "output": "!!notbase64!!"}`, uuid.New())
	w := postJSON(t, h, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobOutput_SchemaErrors(t *testing.T) {
	svc := &stubScheduler{outputFn: func(_ context.Context, _ uuid.UUID, _ int, _ []byte) (bool, error) {
		t.Fatal("output must not be called")
		return false, nil
	}}
	h := handler.NewJobOutputHandler(svc)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `garbage`},
		{"missing id", `{"retval": 0, "output": ""}`},
		{"missing retval", fmt.Sprintf(`{"id": %q, "output": ""}`, uuid.New())},
		{"bad uuid", `{"id": "not-a-uuid", "retval": 0, "output": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}
}

func TestJobOutput_Busy(t *testing.T) {
	svc := &stubScheduler{outputFn: func(_ context.Context, _ uuid.UUID, _ int, _ []byte) (bool, error) {
		return false, scheduler.ErrBusy
	}}
	h := handler.NewJobOutputHandler(svc)

	body := fmt.Sprintf(`{"id": %q, "retval": 0, "output": ""}`, uuid.New())
	w := postJSON(t, h, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
