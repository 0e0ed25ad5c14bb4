package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

func TestSplitSessionTrailer(t *testing.T) {
	tests := []struct {
		name        string
		out         string
		wantText    string
		wantSession string
	}{
		{
			name:     "no trailer",
			out:      "plain result text\n",
			wantText: "plain result text\n",
		},
		{
			name:        "trailer on last line",
			out:         "result text\nRESULT_SESSION: abc-123\n",
			wantText:    "result text",
			wantSession: "abc-123",
		},
		{
			name:        "trailer only",
			out:         "RESULT_SESSION: xyz\n",
			wantText:    "",
			wantSession: "xyz",
		},
		{
			name:     "trailer not on last line is preserved",
			out:      "RESULT_SESSION: abc\nmore text\n",
			wantText: "RESULT_SESSION: abc\nmore text\n",
		},
		{
			name:     "empty output",
			out:      "",
			wantText: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, session := splitSessionTrailer(tt.out)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if session != tt.wantSession {
				t.Errorf("session = %q, want %q", session, tt.wantSession)
			}
		})
	}
}

func TestSubprocessInvoke(t *testing.T) {
	// cat echoes the prompt back: the backend reads the prompt from stdin.
	s := NewSubprocess(SubprocessConfig{Command: "cat"})

	res, err := s.Invoke(context.Background(), Request{Prompt: "hello agent"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Text != "hello agent" {
		t.Errorf("Text = %q, want the echoed prompt", res.Text)
	}
}

func TestSubprocessInvokeFailure(t *testing.T) {
	s := NewSubprocess(SubprocessConfig{Command: "false"})

	_, err := s.Invoke(context.Background(), Request{Prompt: "x"})
	if !errs.HasCode(err, errs.BackendError) {
		t.Errorf("Invoke() error = %v, want BACKEND_ERROR", err)
	}
}

func TestSubprocessInvokeTimeout(t *testing.T) {
	s := NewSubprocess(SubprocessConfig{Command: "sleep", Args: []string{"5"}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Invoke(ctx, Request{Prompt: "x"})
	if !errs.HasCode(err, errs.BackendTimeout) {
		t.Errorf("Invoke() error = %v, want BACKEND_TIMEOUT", err)
	}
}

func TestSubprocessSessionTrailer(t *testing.T) {
	s := NewSubprocess(SubprocessConfig{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo result; echo "RESULT_SESSION: fresh-1"`},
	})

	res, err := s.Invoke(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if strings.TrimSpace(res.Text) != "result" {
		t.Errorf("Text = %q, want result without the trailer line", res.Text)
	}
	if res.SessionID != "fresh-1" {
		t.Errorf("SessionID = %q, want fresh-1", res.SessionID)
	}
}

func TestSubprocessKeepsRequestSession(t *testing.T) {
	// The --resume flag lands in the positional args of sh -c; cat just
	// echoes stdin and emits no trailer, so the resumed id carries forward.
	s := NewSubprocess(SubprocessConfig{Command: "sh", Args: []string{"-c", "cat"}})

	res, err := s.Invoke(context.Background(), Request{Prompt: "hi", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", res.SessionID)
	}
	if !strings.Contains(res.Text, "hi") {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	sub := NewSubprocess(SubprocessConfig{})

	if err := reg.Register(sub); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(sub); err == nil {
		t.Error("duplicate Register() should fail")
	}
	if _, ok := reg.Get("subprocess"); !ok {
		t.Error("Get(subprocess) should find the backend")
	}
	if _, ok := reg.Get("ghost"); ok {
		t.Error("Get(ghost) should miss")
	}
}
