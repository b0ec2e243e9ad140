package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithRoomAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Level: "debug", ServiceName: "meeting-sync"}, &buf)

	ctx := WithRoom(WithLogger(context.Background(), base), "alpha", "meeting_alpha")
	l := Ctx(ctx)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if entry[FieldRoom] != "alpha" || entry[FieldGroup] != "meeting_alpha" {
		t.Errorf("missing room fields: %v", entry)
	}
	if entry[FieldService] != "meeting-sync" {
		t.Errorf("missing service field: %v", entry)
	}
}

func TestGinMiddlewareSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(NewWithWriter(Config{}, &buf)))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "req-1" {
		t.Errorf("X-Request-ID = %q", got)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry[FieldRequestID] != "req-1" || entry[FieldStatus] != float64(http.StatusNoContent) {
		t.Errorf("unexpected entry: %v", entry)
	}
}
