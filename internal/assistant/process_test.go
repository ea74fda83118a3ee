package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

const helperEnv = "CLAUDEBOT_ASSISTANT_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

// runHelper impersonates the Claude CLI when the test binary is re-executed.
func runHelper(mode string) int {
	prompt, _ := io.ReadAll(os.Stdin)
	fmt.Println(`{"type":"system","subtype":"init","session_id":"helper-session"}`)
	switch mode {
	case "ok":
		fmt.Printf(`{"type":"assistant","message":{"content":[{"type":"text","text":"echo: %s"}]}}`+"\n", strings.TrimSpace(string(prompt)))
		fmt.Println(`{"type":"result","subtype":"success","result":"final","session_id":"helper-session"}`)
		return 0
	case "crash":
		fmt.Println(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
		fmt.Fprintln(os.Stderr, "segfault-ish")
		return 3
	case "hang":
		time.Sleep(time.Minute)
		return 0
	case "error":
		fmt.Println(`{"type":"result","subtype":"error_max_turns","is_error":true}`)
		return 1
	}
	return 2
}

func helperProcess(mode string) *Process {
	return NewProcess(ProcessOptions{
		Path:      os.Args[0],
		Env:       []string{helperEnv + "=" + mode},
		WaitDelay: 2 * time.Second,
	})
}

func TestProcessQuerySuccess(t *testing.T) {
	var events []Event
	err := helperProcess("ok").Query(context.Background(), Request{Prompt: "hi"}, func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) == 0 || events[0].Kind != EventSession || events[0].SessionID != "helper-session" {
		t.Fatalf("first event = %#v, want session announcement", events)
	}
	last := events[len(events)-1]
	if last.Kind != EventDone || last.Content != "final" {
		t.Fatalf("last event = %#v, want done", last)
	}
	var sawText bool
	for _, ev := range events {
		if ev.Kind == EventText && ev.Content == "echo: hi" {
			sawText = true
		}
	}
	if !sawText {
		t.Fatalf("prompt was not delivered on stdin: %#v", events)
	}
}

func TestProcessQueryCrash(t *testing.T) {
	err := helperProcess("crash").Query(context.Background(), Request{Prompt: "hi"}, nil)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("Query() error = %v, want ErrProcessExited", err)
	}
	if !strings.Contains(err.Error(), "segfault-ish") {
		t.Fatalf("error should carry stderr tail: %v", err)
	}
}

func TestProcessQueryResultError(t *testing.T) {
	err := helperProcess("error").Query(context.Background(), Request{Prompt: "hi"}, nil)
	var resErr *ResultError
	if !errors.As(err, &resErr) || resErr.Subtype != "error_max_turns" {
		t.Fatalf("Query() error = %v, want ResultError", err)
	}
	if errors.Is(err, ErrProcessExited) {
		t.Fatalf("result errors must not look like crashes")
	}
}

func TestProcessQueryCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sawSession := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- helperProcess("hang").Query(ctx, Request{Prompt: "hi"}, func(ev Event) {
			if ev.Kind == EventSession {
				close(sawSession)
			}
		})
	}()
	select {
	case <-sawSession:
	case <-time.After(10 * time.Second):
		t.Fatalf("helper never started")
	}
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Query() error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Query did not return after cancel")
	}
}

func TestProcessArgs(t *testing.T) {
	p := NewProcess(ProcessOptions{Model: "opus", PermissionMode: "bypassPermissions", ExtraArgs: []string{" --add-dir=/tmp ", ""}})
	got := strings.Join(p.Args(Request{SessionID: "abc"}), " ")
	want := "-p --output-format stream-json --verbose --resume abc --model opus --permission-mode bypassPermissions --add-dir=/tmp"
	if got != want {
		t.Fatalf("Args() = %q, want %q", got, want)
	}
}
