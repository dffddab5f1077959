package ipc

import (
	"context"
	"encoding/json"
	"net/http"
)

// HealthState is the readiness of a supervised server as observed over the
// IPC channel. It is never inferred from OS process status alone; a process
// can be running yet unresponsive.
type HealthState struct {
	Kind   HealthKind
	Reason string
}

type HealthKind string

const (
	// HealthStarting means the server answered but is still loading.
	HealthStarting HealthKind = "starting"
	// HealthAlive means the server is ready for traffic.
	HealthAlive HealthKind = "alive"
	// HealthDegraded means the server answered with an error status.
	HealthDegraded HealthKind = "degraded"
	// HealthUnreachable means the channel itself failed.
	HealthUnreachable HealthKind = "unreachable"
)

func (h HealthState) String() string {
	if h.Reason == "" {
		return string(h.Kind)
	}
	return string(h.Kind) + ": " + h.Reason
}

// CheckHealth polls the server's health endpoint and maps the response to a
// HealthState. A 503 means the model is still loading; 2xx with an "ok"
// status is ready; any other structured answer is degraded; transport
// failures are unreachable. CheckHealth never returns an error because
// every outcome is a valid observation.
func CheckHealth(ctx context.Context, c Client) HealthState {
	data, err := c.Get(ctx, "/health")
	if err != nil {
		if re, ok := IsRemote(err); ok {
			if re.Code == http.StatusServiceUnavailable {
				return HealthState{Kind: HealthStarting}
			}
			return HealthState{Kind: HealthDegraded, Reason: re.Message}
		}
		return HealthState{Kind: HealthUnreachable, Reason: err.Error()}
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Status == "" {
		// A bare 200 with no parseable body still counts as ready; some
		// engine builds answer with an empty body.
		return HealthState{Kind: HealthAlive}
	}
	switch body.Status {
	case "ok":
		return HealthState{Kind: HealthAlive}
	case "loading model":
		return HealthState{Kind: HealthStarting}
	default:
		return HealthState{Kind: HealthDegraded, Reason: body.Status}
	}
}
