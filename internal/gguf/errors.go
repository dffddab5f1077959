package gguf

import "fmt"

// formatError indicates the file is not a parseable GGUF container
// (bad magic, unsupported version, truncated region).
type formatError struct {
	path   string
	reason string
}

func (e formatError) Error() string { return "gguf: " + e.path + ": " + e.reason }

// ErrFormat constructs a format error for path.
func ErrFormat(path, format string, args ...any) error {
	return formatError{path: path, reason: fmt.Sprintf(format, args...)}
}

// IsFormatError reports whether err indicates a malformed GGUF container.
func IsFormatError(err error) bool {
	_, ok := err.(formatError)
	return ok
}

// schemaError indicates the container parsed but a required metadata key is
// missing or has the wrong type.
type schemaError struct {
	key    string
	reason string
}

func (e schemaError) Error() string { return "gguf: key " + e.key + ": " + e.reason }

// ErrSchema constructs a schema error for a metadata key.
func ErrSchema(key, reason string) error { return schemaError{key: key, reason: reason} }

// IsSchemaError reports whether err indicates missing/mistyped metadata.
func IsSchemaError(err error) bool {
	_, ok := err.(schemaError)
	return ok
}
