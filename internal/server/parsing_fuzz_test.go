package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

func FuzzParseLastEventID(f *testing.F) {
	f.Add("")
	f.Add("0")
	f.Add("42")
	f.Add("-1")
	f.Add("not-a-number")
	f.Add("  7  ")

	f.Fuzz(func(t *testing.T, value string) {
		got, err := parseLastEventID(value)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || got != 0 {
				t.Fatalf("parseLastEventID(%q) = (%d, %v), want (0, nil)", value, got, err)
			}
			return
		}

		want, parseErr := strconv.ParseInt(trimmed, 10, 64)
		expectErr := parseErr != nil || want < 0
		if expectErr {
			if err == nil {
				t.Fatalf("parseLastEventID(%q) error = nil, want non-nil", value)
			}
			return
		}

		if err != nil || got != want {
			t.Fatalf("parseLastEventID(%q) = (%d, %v), want (%d, nil)", value, got, err, want)
		}
	})
}

func FuzzCompactSSEPayload(f *testing.F) {
	f.Add([]byte(`{"prompt_id":"abc","event_type":"updated"}`))
	f.Add([]byte("{\n  \"prompt_id\": \"abc\",\n  \"event_type\": \"updated\"\n}"))
	f.Add([]byte("line1\nline2"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		lines := compactSSEPayload(payload)
		if len(lines) == 0 {
			t.Fatal("compactSSEPayload returned no lines")
		}

		var builder strings.Builder
		if err := writeSSEEvent(&builder, 1, "prompt_updated", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		body := builder.String()
		if !strings.HasPrefix(body, "id: 1\nevent: prompt_updated\n") {
			t.Fatalf("unexpected SSE prefix: %q", body)
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			if len(lines) != 1 || lines[0] != compact.String() {
				t.Fatalf("compactSSEPayload valid json mismatch: got %#v want %q", lines, compact.String())
			}
		}
	})
}
