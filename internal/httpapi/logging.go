package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

func logRequest(r *http.Request, op string, dur time.Duration) {
	if zlog != nil {
		z := zlog.Info().Str("op", op).Dur("dur", dur)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("request done")
		return
	}
	log.Printf("httpapi op=%s dur=%s", op, dur)
}

func logError(r *http.Request, status int, err error) {
	if zlog != nil {
		z := zlog.Error().Int("status", status).Str("path", r.URL.Path)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Err(err).Msg("request failed")
		return
	}
	log.Printf("httpapi path=%s status=%d err=%v", r.URL.Path, status, err)
}
