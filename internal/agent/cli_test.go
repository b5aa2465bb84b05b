package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeScript creates an executable shell script acting as the agent CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	skipWithoutShell(t)
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestClaudeCodeInvokeReadsPromptFromStdin(t *testing.T) {
	script := writeScript(t, `cat`)
	exec := NewClaudeCode(&Config{Command: script, PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	res, err := exec.Invoke(context.Background(), Request{Prompt: "plan issue 42", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text != "plan issue 42" {
		t.Errorf("Text = %q", res.Text)
	}
	if exec.Name() != BackendClaudeCode {
		t.Errorf("Name = %q", exec.Name())
	}
}

func TestOpenCodeInvokePassesPromptAsArgument(t *testing.T) {
	script := writeScript(t, `shift; echo "$1"`)
	exec := NewOpenCode(&Config{Command: script, PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	res, err := exec.Invoke(context.Background(), Request{Prompt: "hello", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestInvokeNonzeroExit(t *testing.T) {
	script := writeScript(t, `echo "provider exploded" >&2; exit 2`)
	exec := NewClaudeCode(&Config{Command: script, PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	_, err := exec.Invoke(context.Background(), Request{Prompt: "x", Dir: t.TempDir()})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 2 || exitErr.Stderr != "provider exploded" {
		t.Errorf("unexpected ExitError: %+v", exitErr)
	}
	if Classify(err) != FailureNonzeroExit {
		t.Errorf("Classify = %q", Classify(err))
	}
}

func TestInvokeRequestTimeoutOverridesDefault(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	exec := NewClaudeCode(&Config{Command: script, PollInterval: 10 * time.Millisecond, Timeout: time.Hour})

	_, err := exec.Invoke(context.Background(), Request{Prompt: "x", Dir: t.TempDir(), Timeout: 150 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if Classify(err) != FailureTimeout {
		t.Errorf("Classify = %q", Classify(err))
	}
}

func TestInvokeUnavailable(t *testing.T) {
	exec := NewClaudeCode(&Config{Command: "warden-no-such-agent"})
	if exec.Available() {
		t.Fatal("Available should be false")
	}
	_, err := exec.Invoke(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if Classify(err) != FailureUnavailable {
		t.Errorf("Classify = %q", Classify(err))
	}
}

func TestNewSelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{"", BackendClaudeCode, false},
		{BackendClaudeCode, BackendClaudeCode, false},
		{BackendOpenCode, BackendOpenCode, false},
		{"cursor", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			e, err := New(&Config{Backend: tt.backend})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && e.Name() != tt.want {
				t.Errorf("Name = %q, want %q", e.Name(), tt.want)
			}
		})
	}
}
