// Package logging provides a small structured-field builder layered over
// log/slog, matching the attribute-per-call style used throughout the
// Aleutian Trace codebase (slog.String/slog.Int/slog.Duration, never a
// formatted message).
package logging

import (
	"log/slog"
	"time"
)

// Fields is an ordered attribute accumulator. Each method returns the
// receiver so calls chain: logging.New().Component("search").Operation("query").
type Fields []slog.Attr

// New returns an empty Fields builder.
func New() Fields {
	return Fields{}
}

// Component tags the subsystem emitting the log line (e.g. "hashstore",
// "projection", "orchestrator:plan").
func (f Fields) Component(name string) Fields {
	return append(f, slog.String("component", name))
}

// Operation tags the method or step (e.g. "probe", "claim_task").
func (f Fields) Operation(name string) Fields {
	return append(f, slog.String("operation", name))
}

// Dataset tags the dataset alias under operation.
func (f Fields) Dataset(alias string) Fields {
	if alias == "" {
		return f
	}
	return append(f, slog.String("dataset", alias))
}

// ProfileID tags the profile the request/document belongs to.
func (f Fields) ProfileID(id string) Fields {
	if id == "" {
		return f
	}
	return append(f, slog.String("profile_id", id))
}

// RequestID tags the client-generated request UUID.
func (f Fields) RequestID(id string) Fields {
	if id == "" {
		return f
	}
	return append(f, slog.String("request_id", id))
}

// Digest tags a content SHA-256 digest, truncated for readability.
func (f Fields) Digest(sha string) Fields {
	if sha == "" {
		return f
	}
	short := sha
	if len(short) > 12 {
		short = short[:12] + "..."
	}
	return append(f, slog.String("digest", short))
}

// Duration tags an elapsed time in milliseconds, matching the
// duration_ms convention.
func (f Fields) Duration(d time.Duration) Fields {
	return append(f, slog.Int64("duration_ms", d.Milliseconds()))
}

// Err tags a non-nil error. A nil error leaves the field unset, the same
// nil-is-absent convention as the other tag methods.
func (f Fields) Err(err error) Fields {
	if err == nil {
		return f
	}
	return append(f, slog.String("error", err.Error()))
}

// Count tags an integer count under the given key.
func (f Fields) Count(key string, n int) Fields {
	return append(f, slog.Int(key, n))
}

// String tags an arbitrary string attribute under the given key, for the
// occasional ad hoc field (e.g. "reason") that doesn't warrant its own
// named method.
func (f Fields) String(key, val string) Fields {
	if val == "" {
		return f
	}
	return append(f, slog.String(key, val))
}

// Args returns the accumulated attributes as a []any suitable for
// slog.Logger.Log / Info / Warn / Error variadic calls.
func (f Fields) Args() []any {
	args := make([]any, len(f))
	for i, a := range f {
		args[i] = a
	}
	return args
}
