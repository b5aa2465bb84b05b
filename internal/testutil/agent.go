package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alekspetrov/warden/internal/agent"
)

// AgentStep answers one agent invocation.
type AgentStep func(req agent.Request) (*agent.Result, error)

// FakeAgent is a scripted agent.Executor. Steps are consumed in order; once
// exhausted, Default answers (or the call fails).
type FakeAgent struct {
	mu      sync.Mutex
	Steps   []AgentStep
	Default AgentStep
	Calls   []agent.Request
}

// NewFakeAgent creates a FakeAgent with the given steps.
func NewFakeAgent(steps ...AgentStep) *FakeAgent {
	return &FakeAgent{Steps: steps}
}

// Name implements agent.Executor.
func (a *FakeAgent) Name() string {
	return "fake"
}

// Invoke implements agent.Executor.
func (a *FakeAgent) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.Calls = append(a.Calls, req)
	var step AgentStep
	if len(a.Steps) > 0 {
		step, a.Steps = a.Steps[0], a.Steps[1:]
	} else {
		step = a.Default
	}
	a.mu.Unlock()

	if step == nil {
		return nil, fmt.Errorf("fake agent: unexpected call %d", len(a.Calls))
	}
	return step(req)
}

// Prompts returns every prompt seen so far.
func (a *FakeAgent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Calls))
	for i, c := range a.Calls {
		out[i] = c.Prompt
	}
	return out
}

// Reply answers with text.
func Reply(text string) AgentStep {
	return func(agent.Request) (*agent.Result, error) {
		return &agent.Result{Text: text}, nil
	}
}

// ReplyJSON answers with v encoded as a fenced JSON block.
func ReplyJSON(v any) AgentStep {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return Reply("Here is the result:\n```json\n" + string(data) + "\n```")
}

// Fail answers with err.
func Fail(err error) AgentStep {
	return func(agent.Request) (*agent.Result, error) {
		return nil, err
	}
}

// WriteFiles writes files into the request directory, then replies.
func WriteFiles(files map[string]string, text string) AgentStep {
	return func(req agent.Request) (*agent.Result, error) {
		for rel, content := range files {
			path := filepath.Join(req.Dir, rel)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return &agent.Result{Text: text}, nil
	}
}
