package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"engined/internal/estimate"
	"engined/internal/ipc"
	"engined/internal/manager"
	"engined/internal/supervisor"
	"engined/pkg/types"
)

type fakeService struct {
	ensureErr  error
	sendErr    error
	healthErr  error
	stopErr    error
	lastEnsure manager.EnsureRequest
	lastSend   string
	lastBody   []byte
	reaped     []string
}

func (f *fakeService) EnsureReady(ctx context.Context, req manager.EnsureRequest) (*supervisor.Handle, error) {
	f.lastEnsure = req
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &supervisor.Handle{PID: 1234, ID: "engine-tiny", Host: "127.0.0.1:8601"}, nil
}

func (f *fakeService) Send(ctx context.Context, id, path string, body []byte) ([]byte, error) {
	f.lastSend = path
	f.lastBody = body
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return []byte(`{"echo":true}`), nil
}

func (f *fakeService) RefreshHealth(ctx context.Context, id string) (ipc.HealthState, error) {
	if f.healthErr != nil {
		return ipc.HealthState{}, f.healthErr
	}
	return ipc.HealthState{Kind: ipc.HealthAlive}, nil
}

func (f *fakeService) Stop(ctx context.Context, id string) error { return f.stopErr }

func (f *fakeService) ReapOrphans(ctx context.Context, pattern string) ([]string, error) {
	return f.reaped, nil
}

func (f *fakeService) Status() []manager.ServerStatus {
	return []manager.ServerStatus{{ID: "engine-tiny", State: manager.StateReady}}
}

func (f *fakeService) ListModels() []types.Model {
	return []types.Model{{ID: "tiny.gguf", Path: "/models/tiny.gguf"}}
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", w.Code)
	}
}

func TestListModels(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodGet, "/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("models: got %d", w.Code)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ID != "tiny.gguf" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestEnsureHappyPath(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)
	w := doReq(t, mux, http.MethodPost, "/servers/ensure",
		`{"model":"/models/tiny.gguf","ctx_size":2048,"batch_size":256}`)
	if w.Code != http.StatusOK {
		t.Fatalf("ensure: got %d body=%s", w.Code, w.Body.String())
	}
	if svc.lastEnsure.ModelPath != "/models/tiny.gguf" {
		t.Fatalf("model path not forwarded: %+v", svc.lastEnsure)
	}
	if svc.lastEnsure.ContextLength != 2048 || svc.lastEnsure.BatchSize != 256 {
		t.Fatalf("params not forwarded: %+v", svc.lastEnsure)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] != "engine-tiny" {
		t.Fatalf("unexpected id: %v", resp["id"])
	}
}

func TestEnsureRequiresModel(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodPost, "/servers/ensure", `{"ctx_size":2048}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestEnsureRejectsWrongContentType(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/servers/ensure",
		strings.NewReader(`{"model":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("got %d, want 415", w.Code)
	}
}

func TestEnsureRejectsInvalidJSON(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodPost, "/servers/ensure", `{"model":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"infeasible", &estimate.InfeasibleError{ContextLength: 4096}, http.StatusInsufficientStorage},
		{"not found", manager.ErrServerNotFound("nope"), http.StatusNotFound},
		{"spawn", &supervisor.SpawnError{Command: "enginectl", Err: errors.New("no such file")}, http.StatusBadGateway},
		{"health timeout", &supervisor.HealthTimeoutError{}, http.StatusGatewayTimeout},
		{"ipc timeout", &ipc.TimeoutError{}, http.StatusGatewayTimeout},
		{"remote", &ipc.RemoteError{Code: http.StatusTooManyRequests, Message: "slow down"}, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{ensureErr: tc.err}
			mux := NewMux(svc)
			w := doReq(t, mux, http.MethodPost, "/servers/ensure", `{"model":"/m.gguf"}`)
			if w.Code != tc.want {
				t.Fatalf("got %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
			var resp types.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if resp.Error == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestProxyPassthrough(t *testing.T) {
	svc := &fakeService{}
	mux := NewMux(svc)
	w := doReq(t, mux, http.MethodPost, "/servers/engine-tiny/proxy/v1/completions",
		`{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("proxy: got %d", w.Code)
	}
	if svc.lastSend != "/v1/completions" {
		t.Fatalf("path not forwarded: %q", svc.lastSend)
	}
	if string(svc.lastBody) != `{"prompt":"hi"}` {
		t.Fatalf("body altered: %q", svc.lastBody)
	}
	if w.Body.String() != `{"echo":true}` {
		t.Fatalf("response altered: %q", w.Body.String())
	}
}

func TestProxyUnknownServer(t *testing.T) {
	svc := &fakeService{sendErr: manager.ErrServerNotFound("ghost")}
	mux := NewMux(svc)
	w := doReq(t, mux, http.MethodGet, "/servers/ghost/proxy/health", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestStop(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodPost, "/servers/engine-tiny/stop", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("stop: got %d", w.Code)
	}
}

func TestReapEmpty(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodPost, "/servers/reap", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reap: got %d", w.Code)
	}
	var resp types.ReapResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reaped == nil || len(resp.Reaped) != 0 {
		t.Fatalf("want empty slice, got %#v", resp.Reaped)
	}
}

func TestStatus(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp struct {
		Servers []manager.ServerStatus `json:"servers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Servers) != 1 || resp.Servers[0].State != manager.StateReady {
		t.Fatalf("unexpected status: %+v", resp.Servers)
	}
}

func TestServerHealth(t *testing.T) {
	mux := NewMux(&fakeService{})
	w := doReq(t, mux, http.MethodGet, "/servers/engine-tiny/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health: got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["health"] != "alive" {
		t.Fatalf("unexpected health: %v", resp)
	}
}
