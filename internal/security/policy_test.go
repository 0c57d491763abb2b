package security

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"chatloop/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustPolicy(t *testing.T, patterns ...string) *Policy {
	t.Helper()
	p, err := NewPolicy(config.SecurityConfig{ScriptBlacklist: patterns}, testLogger())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestCheck_LiteralPatternBlocks(t *testing.T) {
	p := mustPolicy(t, "shutil.rmtree('/')", "os.fork()")

	err := p.Check("python_invoker", "import shutil\nshutil.rmtree('/')")
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
}

func TestCheck_LiteralPatternIsNotRegex(t *testing.T) {
	// "." and "(" must not be interpreted.
	p := mustPolicy(t, "os.fork()")

	if err := p.Check("python_invoker", "osXfork"); err != nil {
		t.Fatalf("unexpected block: %v", err)
	}
	if err := p.Check("python_invoker", "import os\nOS.FORK()"); err == nil {
		t.Fatal("expected case-insensitive match")
	}
}

func TestCheck_RegexPattern(t *testing.T) {
	p := mustPolicy(t, `re:subprocess\.(run|call)\(`)

	if err := p.Check("python_invoker", "import subprocess\nsubprocess.run(['ls'])"); err == nil {
		t.Fatal("expected regex match to block")
	}
	if err := p.Check("python_invoker", "print('subprocess')"); err != nil {
		t.Fatalf("unexpected block: %v", err)
	}
}

func TestCheck_AllowsOrdinaryScripts(t *testing.T) {
	p := mustPolicy(t, config.Defaults().Security.ScriptBlacklist...)

	for _, script := range []string{"print(2+2)", "import math\nprint(math.pi)"} {
		if err := p.Check("python_invoker", script); err != nil {
			t.Errorf("script %q blocked: %v", script, err)
		}
	}
}

func TestNewPolicy_InvalidRegex(t *testing.T) {
	_, err := NewPolicy(config.SecurityConfig{ScriptBlacklist: []string{"re:("}}, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestCheck_NilPolicyAllows(t *testing.T) {
	var p *Policy
	if err := p.Check("python_invoker", "anything"); err != nil {
		t.Fatalf("nil policy should allow, got %v", err)
	}
}
