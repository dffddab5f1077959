// Package httpapi exposes the lifecycle manager over HTTP: model listing,
// ensure/stop/reap lifecycle operations, health reporting, and a raw proxy
// that forwards inference traffic to a managed engine untouched.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engined/internal/estimate"
	"engined/internal/gguf"
	"engined/internal/ipc"
	"engined/internal/manager"
	"engined/internal/supervisor"
	"engined/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	EnsureReady(ctx context.Context, req manager.EnsureRequest) (*supervisor.Handle, error)
	Send(ctx context.Context, id, path string, body []byte) ([]byte, error)
	RefreshHealth(ctx context.Context, id string) (ipc.HealthState, error)
	Stop(ctx context.Context, id string) error
	ReapOrphans(ctx context.Context, pattern string) ([]string, error)
	Status() []manager.ServerStatus
	ListModels() []types.Model
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.ListModels()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"servers": svc.Status()})
	})

	r.Post("/servers/ensure", func(w http.ResponseWriter, r *http.Request) {
		var req types.EnsureRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		start := time.Now()
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		h, err := svc.EnsureReady(joined, manager.EnsureRequest{
			ModelPath:     req.Model,
			ContextLength: req.CtxSize,
			BatchSize:     req.BatchSize,
		})
		if err != nil {
			countEnsure("error")
			writeMappedError(w, r, err)
			return
		}
		countEnsure("ok")
		logRequest(r, "ensure", time.Since(start))
		writeJSON(w, map[string]any{
			"id":   h.ID,
			"pid":  h.PID,
			"host": h.Host,
		})
	})

	r.Get("/servers/{id}/health", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		st, err := svc.RefreshHealth(r.Context(), id)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "health": st.String()})
	})

	r.Post("/servers/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Stop(r.Context(), id); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/servers/reap", func(w http.ResponseWriter, r *http.Request) {
		reaped, err := svc.ReapOrphans(r.Context(), r.URL.Query().Get("pattern"))
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		if reaped == nil {
			reaped = []string{}
		}
		writeJSON(w, types.ReapResponse{Reaped: reaped})
	})

	// Opaque passthrough to a managed engine. The body is forwarded as-is
	// and the engine's response comes back untouched.
	r.HandleFunc("/servers/{id}/proxy/*", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		path := "/" + chi.URLParam(r, "*")
		var body []byte
		if r.Method != http.MethodGet {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "body too large or unreadable")
				return
			}
		}
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		out, err := svc.Send(joined, id, path, body)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// writeMappedError translates domain errors into HTTP status codes. Remote
// engine errors pass their code through.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case gguf.IsFormatError(err), gguf.IsSchemaError(err):
		status = http.StatusBadRequest
	case estimate.IsInfeasible(err):
		status = http.StatusInsufficientStorage
	case manager.IsServerNotFound(err):
		status = http.StatusNotFound
	case supervisor.IsSpawn(err):
		status = http.StatusBadGateway
	case supervisor.IsTerminationTimeout(err):
		status = http.StatusInternalServerError
	case ipc.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case ipc.IsSetup(err), ipc.IsIO(err):
		status = http.StatusBadGateway
	default:
		if _, ok := supervisor.IsHealthTimeout(err); ok {
			status = http.StatusGatewayTimeout
		} else if re, ok := ipc.IsRemote(err); ok {
			status = re.Code
		}
	}
	logError(r, status, err)
	writeJSONError(w, status, err.Error())
}
