package repository

import (
	"encoding/json"
	"testing"
)

func TestNormalizeNotifyChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{name: "custom channel", channel: "catalog_events", want: "catalog_events"},
		{name: "empty falls back", channel: "", want: defaultNotifyChannel},
		{name: "whitespace falls back", channel: "   ", want: defaultNotifyChannel},
		{name: "trims padding", channel: " prompt_events ", want: "prompt_events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeNotifyChannel(tt.channel); got != tt.want {
				t.Errorf("normalizeNotifyChannel(%q) = %q, want %q", tt.channel, got, tt.want)
			}
		})
	}
}

func TestEnsureJSON(t *testing.T) {
	if got := ensureJSON(nil, "{}"); string(got) != "{}" {
		t.Errorf("ensureJSON(nil) = %q, want {}", got)
	}
	payload := json.RawMessage(`{"premium":true}`)
	if got := ensureJSON(payload, "{}"); string(got) != string(payload) {
		t.Errorf("ensureJSON(payload) = %q, want %q", got, payload)
	}
}

func TestListenStatementQuotesIdentifier(t *testing.T) {
	if got := listenStatement("prompt_events"); got != `LISTEN "prompt_events"` {
		t.Errorf("listenStatement() = %q", got)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(PromptEvent{PromptID: "p1", EventType: "prompt.updated"})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var decoded struct {
		PromptID  string `json:"prompt_id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.PromptID != "p1" || decoded.EventType != "prompt.updated" {
		t.Errorf("payload = %+v", decoded)
	}
}
