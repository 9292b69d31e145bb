package developer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockDeveloperScriptOrder(t *testing.T) {
	m := NewMockDeveloper()
	m.Enqueue(MockResponse{Output: &Output{Result: Result{Success: true, PRLink: "https://github.com/acme/widgets/pull/1"}}})
	m.Enqueue(MockResponse{Err: errors.New("boom")})

	ctx := context.Background()

	out, err := m.ExecutePrompt(ctx, "first", "/tmp")
	if err != nil || out.Result.PRLink != "https://github.com/acme/widgets/pull/1" {
		t.Fatalf("first scripted response: out=%+v err=%v", out, err)
	}

	if _, err := m.ExecutePrompt(ctx, "second", "/tmp"); err == nil {
		t.Fatal("second scripted response should error")
	}

	// Script exhausted: default success.
	out, err = m.ExecutePrompt(ctx, "third", "/tmp")
	if err != nil || !out.Result.Success {
		t.Fatalf("default response: out=%+v err=%v", out, err)
	}

	if len(m.Prompts) != 3 || m.Prompts[1] != "second" {
		t.Errorf("prompts = %v", m.Prompts)
	}
}

func TestMockDeveloperSynthesizesPRLink(t *testing.T) {
	m := NewMockDeveloper()
	prompt := "You are implementing a new task.\n\nTask: task-1\nRepository: acme/widgets\nBranch: crew/task-1\n"

	out, err := m.ExecutePrompt(context.Background(), prompt, "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.PRLink != "https://github.com/acme/widgets/pull/1" {
		t.Errorf("pr link = %q", out.Result.PRLink)
	}

	// The counter advances per execution.
	out, _ = m.ExecutePrompt(context.Background(), prompt, "/tmp")
	if out.Result.PRLink != "https://github.com/acme/widgets/pull/2" {
		t.Errorf("second pr link = %q", out.Result.PRLink)
	}
}

func TestMockDeveloperNoRepositoryLine(t *testing.T) {
	m := NewMockDeveloper()
	out, err := m.ExecutePrompt(context.Background(), "no repo header here", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.PRLink != "" {
		t.Errorf("unexpected synthesized link: %q", out.Result.PRLink)
	}
}

func TestMockDeveloperHonoursContextDuringDelay(t *testing.T) {
	m := NewMockDeveloper()
	m.Delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := m.ExecutePrompt(ctx, "slow", "/tmp")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled execution did not return promptly")
	}
}
