package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotInfo exposes the identity of the content snapshot a response was
// served from.
type SnapshotInfo interface {
	SnapshotGeneration() uint64
	SnapshotCreatedAt() time.Time
}

// SnapshotHeaders adds X-Snapshot-Generation to all responses so a
// misbehaving page can be correlated with the exact sync cycle that
// produced it
func SnapshotHeaders(info SnapshotInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				gen := info.SnapshotGeneration()
				if gen > 0 {
					w.Header().Set("X-Snapshot-Generation", strconv.FormatUint(gen, 10))
				}
				// Enrich the current trace span with snapshot identity
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					span.SetAttributes(attribute.Int64("snapshot.generation", int64(gen)))
					if created := info.SnapshotCreatedAt(); !created.IsZero() {
						span.SetAttributes(attribute.String("snapshot.created_at", created.UTC().Format(time.RFC3339)))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
