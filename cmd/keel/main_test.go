package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "keel ") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(stdout.String(), "USAGE") {
		t.Fatalf("usage missing from %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "frobnicate"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

const validBundle = `basis_version: "1.0"
policy_id: baseline-tools
metadata:
  name: Baseline tool policy
  version: 1.0.0
  created_at: 2025-03-01T09:00:00Z
constraints:
  - type: tool_restriction
    action: block
    values: [shell_execute]
`

const invalidBundle = `basis_version: "1.0"
policy_id: broken
metadata:
  name: Broken
  version: 1.0.0
constraints:
  - type: not_a_real_kind
    action: block
`

func TestLintValidBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(path, []byte(validBundle), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "lint", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d\nstdout: %s\nstderr: %s", code, stdout.String(), stderr.String())
	}
}

func TestLintInvalidBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte(invalidBundle), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "lint", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit = %d, want 1\nstdout: %s", code, stdout.String())
	}
}

func TestLintMissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "lint"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

func TestVerifyRequiresTenant(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "verify"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

func TestExportRequiresTenant(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"keel", "export"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}
