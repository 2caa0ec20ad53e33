package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

const testEndpointKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func agentTestConfig(t *testing.T) {
	t.Helper()
	setTestConfig(t, strings.Join([]string{
		`public_url: "https://relay.example.com"`,
		`endpoint_key: "` + testEndpointKey + `"`,
		`auth:`,
		`  bcrypt_cost: 4`,
	}, "\n"))
}

func runAgent(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := runAgentCommand(context.Background(), args, &out)
	return code, out.String()
}

func TestAgentCommand_AddListRotate(t *testing.T) {
	agentTestConfig(t)

	code, out := runAgent(t, "add", "-id", "agt_cli", "-workspace", "ws_1")
	if code != 0 {
		t.Fatalf("add exit code %d", code)
	}
	var added agentOutput
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	if added.RelayID != "agt_cli" || added.WorkspaceID != "ws_1" {
		t.Fatalf("added = %+v", added)
	}
	if added.WebhookURL != "https://relay.example.com/webhook/agt_cli" {
		t.Fatalf("webhook url = %q", added.WebhookURL)
	}
	if !strings.HasPrefix(added.Secret, "sk_") {
		t.Fatalf("secret = %q, want sk_ prefix", added.Secret)
	}

	code, out = runAgent(t, "list")
	if code != 0 {
		t.Fatalf("list exit code %d", code)
	}
	var listed []agentOutput
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	if len(listed) != 1 || listed[0].RelayID != "agt_cli" || listed[0].Secret != "" {
		t.Fatalf("listed = %+v", listed)
	}

	code, out = runAgent(t, "rotate", "agt_cli")
	if code != 0 {
		t.Fatalf("rotate exit code %d", code)
	}
	var rotated agentOutput
	if err := json.Unmarshal([]byte(out), &rotated); err != nil {
		t.Fatalf("decode rotate output %q: %v", out, err)
	}
	if rotated.Secret == "" || rotated.Secret == added.Secret {
		t.Fatalf("rotate returned %q, want a fresh secret", rotated.Secret)
	}
}

func TestAgentCommand_Endpoint(t *testing.T) {
	agentTestConfig(t)
	if code, _ := runAgent(t, "add", "-id", "agt_http"); code != 0 {
		t.Fatalf("add exit code %d", code)
	}

	code, out := runAgent(t, "endpoint", "agt_http", "https://agent.example.com/hooks")
	if code != 0 || !strings.Contains(out, "set") {
		t.Fatalf("endpoint set: code %d out %q", code, out)
	}
	code, out = runAgent(t, "endpoint", "agt_http")
	if code != 0 || !strings.Contains(out, "cleared") {
		t.Fatalf("endpoint clear: code %d out %q", code, out)
	}
	if code, _ := runAgent(t, "endpoint", "agt_http", "ftp://agent.example.com"); code != 1 {
		t.Fatalf("invalid endpoint exit code %d, want 1", code)
	}
}

func TestAgentCommand_Errors(t *testing.T) {
	agentTestConfig(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no action", nil, 2},
		{"unknown action", []string{"delete"}, 2},
		{"rotate without id", []string{"rotate"}, 2},
		{"rotate unknown agent", []string{"rotate", "agt_missing"}, 1},
		{"endpoint unknown agent", []string{"endpoint", "agt_missing", "https://x.example.com"}, 1},
		{"add stray argument", []string{"add", "extra"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := runAgent(t, tt.args...); code != tt.want {
				t.Fatalf("exit code %d, want %d", code, tt.want)
			}
		})
	}
}

func TestAgentCommand_MemoryBackendRefused(t *testing.T) {
	setTestConfig(t, "store:\n  backend: memory\n")
	if code, _ := runAgent(t, "list"); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
}
