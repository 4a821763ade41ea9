package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware continues the caller's traceparent or starts a trace, and
// echoes the request span in the response header.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := ParseTraceparent(r.Header.Get(Header))
		if !ok {
			tc = New()
		}
		w.Header().Set(Header, tc.Traceparent())
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// ExtractFromJSON reads a trace_id field from a WebSocket message. It
// reports false, with a fresh context, when the message carries none.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{TraceID: msg.TraceID, SpanID: newID(8)}, true
}
