// Package types holds the wire-level types shared between the HTTP API and
// its clients.
package types

// Model describes a discoverable model file on disk.
type Model struct {
	// Stable identifier, the file name by convention.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// Absolute path to the model file.
	Path string `json:"path"`
	// Quantization label, e.g. Q4_K_M.
	Quant string `json:"quant,omitempty"`
	// Architecture family, e.g. llama.
	Family string `json:"family,omitempty"`
	// Stored size of all tensors in bytes.
	SizeBytes uint64 `json:"size_bytes,omitempty"`
	// Layer count from the model header.
	Layers uint64 `json:"layers,omitempty"`
	// Maximum context length the model was trained for.
	MaxContext uint64 `json:"max_context,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// EnsureRequest asks for a ready server. Model may be a registry id or a
// file path; zero dimensions fall back to server defaults.
type EnsureRequest struct {
	Model     string `json:"model"`
	CtxSize   uint64 `json:"ctx_size,omitempty"`
	BatchSize uint64 `json:"batch_size,omitempty"`
}

// ReapResponse reports which recorded servers were cleaned up.
type ReapResponse struct {
	Reaped []string `json:"reaped"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
