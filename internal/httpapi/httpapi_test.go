package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess/internal/auth"
	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/health"
	"github.com/krpothula/cryoprocess/internal/model"
	"github.com/krpothula/cryoprocess/internal/orchestrator"
	"github.com/krpothula/cryoprocess/internal/store"
)

type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, script string) (string, error) {
	return "123", nil
}

func newTestServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.New(st, bus.New(), noopSubmitter{})
	v, err := auth.NewVerifier("httpapi-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	fakeSnapshot := func(ctx context.Context) (health.Snapshot, error) {
		return health.Snapshot{Timestamp: time.Unix(0, 0), CPUPercent: 1, MemoryTotalMB: 1024}, nil
	}
	return NewServer(orch, st, v, fakeSnapshot), v
}

func newMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthzDoesNotRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	mux := newMux(s)
	rec := doRequest(t, mux, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	mux := newMux(s)
	rec := doRequest(t, mux, http.MethodPost, "/api/live-sessions", "", model.Config{ProjectID: "proj-a"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateSessionRejectsForeignProject(t *testing.T) {
	s, v := newTestServer(t)
	mux := newMux(s)
	token, _ := v.Issue("user-1", []string{"proj-b"}, time.Hour)
	rec := doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateThenGetSession(t *testing.T) {
	s, v := newTestServer(t)
	mux := newMux(s)
	token, _ := v.Issue("user-1", []string{"proj-a"}, time.Hour)

	rec := doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a", InputMode: model.InputModeExisting})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created model.SessionState
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != model.SessionPending {
		t.Fatalf("expected pending status, got %s", created.Status)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/live-sessions/"+created.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A token without project access must not be able to read it back.
	otherToken, _ := v.Issue("user-2", []string{"proj-z"}, time.Hour)
	rec = doRequest(t, mux, http.MethodGet, "/api/live-sessions/"+created.ID, otherToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign project, got %d", rec.Code)
	}
}

func TestListByProject(t *testing.T) {
	s, v := newTestServer(t)
	mux := newMux(s)
	token, _ := v.Issue("user-1", []string{"proj-a"}, time.Hour)

	doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a"})
	doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a"})

	rec := doRequest(t, mux, http.MethodGet, "/api/live-sessions/project/proj-a", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []*model.SessionState
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestDeleteRejectsNonTerminalSession(t *testing.T) {
	s, v := newTestServer(t)
	mux := newMux(s)
	token, _ := v.Issue("user-1", []string{"proj-a"}, time.Hour)

	rec := doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a"})
	var created model.SessionState
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(t, mux, http.MethodDelete, "/api/live-sessions/"+created.ID, token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for non-terminal session, got %d", rec.Code)
	}
}

func TestActivityEndpointFiltersByLevel(t *testing.T) {
	s, v := newTestServer(t)
	mux := newMux(s)
	token, _ := v.Issue("user-1", []string{"proj-a"}, time.Hour)

	rec := doRequest(t, mux, http.MethodPost, "/api/live-sessions", token, model.Config{ProjectID: "proj-a", InputMode: model.InputModeExisting, WatchPath: t.TempDir()})
	var created model.SessionState
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(t, mux, http.MethodPost, "/api/live-sessions/"+created.ID+"/start", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on start, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/live-sessions/"+created.ID+"/activity?level=info&limit=10", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entries []model.ActivityEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Level != model.LevelInfo {
			t.Fatalf("unexpected level in filtered results: %s", e.Level)
		}
	}
}
