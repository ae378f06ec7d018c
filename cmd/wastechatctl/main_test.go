package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/matheus3301/wastechat/internal/config"
	"github.com/matheus3301/wastechat/internal/daemon"
	"github.com/matheus3301/wastechat/internal/devserver"
	"github.com/matheus3301/wastechat/internal/profile"
	"go.uber.org/fx/fxtest"
)

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	code := execute(cmd)
	return buf.String(), code
}

func TestVersionCmd(t *testing.T) {
	out, code := run(t, "version")
	if code != 0 {
		t.Fatalf("exit code = %d, output: %s", code, out)
	}
	if !strings.Contains(out, "wastechatctl dev") {
		t.Errorf("expected output to contain 'wastechatctl dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.0", "abc123"
	defer func() { Version, Commit = origVersion, origCommit }()

	out, _ := run(t, "version")
	if !strings.Contains(out, "wastechatctl 1.2.0 (commit: abc123)") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, code := run(t, "--help")
	if code != 0 {
		t.Fatalf("help failed: %s", out)
	}
	for _, sub := range []string{"send", "queue", "chat", "watch", "cleanup", "profiles"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestArgValidation(t *testing.T) {
	cases := [][]string{
		{"regenerate"},
		{"queue", "rm"},
		{"chat", "open"},
		{"chat", "rename", "only-id"},
		{"status", "extra"},
	}
	for _, args := range cases {
		out, code := run(t, args...)
		if code != 1 || !strings.HasPrefix(out, "error:") {
			t.Errorf("%v: code=%d output=%q", args, code, out)
		}
	}
}

func TestSendRequiresContent(t *testing.T) {
	out, code := run(t, "send", "   ")
	if code != 1 || !strings.Contains(out, "nothing to send") {
		t.Errorf("code=%d output=%q", code, out)
	}
}

func TestDialFailureIsReported(t *testing.T) {
	orig := dial
	dial = func(string) (*api.Client, error) { return nil, errors.New("no socket") }
	defer func() { dial = orig }()

	out, code := run(t, "--profile", "work", "status")
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, `profile "work"`) || !strings.Contains(out, "no socket") {
		t.Errorf("unexpected error output: %s", out)
	}
}

func TestInvalidProfileName(t *testing.T) {
	out, code := run(t, "--profile", "../etc", "status")
	if code != 1 {
		t.Errorf("expected failure for invalid profile, got: %s", out)
	}
}

func startDaemon(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "wcc-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("WASTECHAT_HOME", dir)

	ts := httptest.NewServer(devserver.New(devserver.Options{}).Handler())
	t.Cleanup(ts.Close)
	cfg := config.Default()
	cfg.Backend.BaseURL = ts.URL
	cfg.Stream.ReconnectBaseDelay = config.Duration{Duration: 10 * time.Millisecond}

	app := fxtest.New(t, daemon.Module(daemon.Params{Profile: "cli", Config: cfg}))
	app.RequireStart()
	t.Cleanup(app.RequireStop)
}

func TestEndToEnd(t *testing.T) {
	startDaemon(t)

	out, code := run(t, "--profile", "cli", "status")
	if code != 0 || !strings.Contains(out, "Profile:  cli") || !strings.Contains(out, "IDLE") {
		t.Fatalf("status: code=%d output=%s", code, out)
	}

	out, code = run(t, "--profile", "cli", "send", "--wait", "is", "pizza", "box", "recyclable?")
	if code != 0 {
		t.Fatalf("send: code=%d output=%s", code, out)
	}
	if !strings.Contains(out, "assistant:") || strings.Contains(out, "(failed)") {
		t.Errorf("unexpected reply: %s", out)
	}

	out, code = run(t, "--profile", "cli", "--json", "messages")
	if code != 0 {
		t.Fatalf("messages: code=%d output=%s", code, out)
	}
	var payload struct {
		ChatID   string           `json:"chat_id"`
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("messages --json is not JSON: %v\n%s", err, out)
	}
	if payload.ChatID == "" || len(payload.Messages) != 2 {
		t.Errorf("messages = %+v", payload)
	}
	if payload.Messages[0]["content"] != "is pizza box recyclable?" {
		t.Errorf("user content = %v", payload.Messages[0]["content"])
	}

	out, code = run(t, "--profile", "cli", "chat", "delete", payload.ChatID)
	if code != 1 || !strings.Contains(out, "chat is open") {
		t.Errorf("deleting the open chat: code=%d output=%s", code, out)
	}

	out, code = run(t, "--profile", "cli", "queue")
	if code != 0 || !strings.Contains(out, "Queue is empty.") {
		t.Errorf("queue: code=%d output=%s", code, out)
	}

	out, code = run(t, "profiles")
	if code != 0 || !strings.Contains(out, "cli") {
		t.Errorf("profiles: code=%d output=%s", code, out)
	}
	if _, err := os.Stat(profile.Dir("cli")); err != nil {
		t.Errorf("profile dir missing: %v", err)
	}
}
