package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rcourtman/entitled/internal/auth"
)

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"hashtoken"}, &out)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "Usage: hashtoken <token>") {
		t.Fatalf("expected usage output, got %q", out.String())
	}
}

func TestRunHashesToken(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"hashtoken", "this-is-a-test-token"}, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d (output: %q)", code, out.String())
	}

	hash := strings.TrimSpace(out.String())
	if hash == "" {
		t.Fatalf("expected hash output, got empty string")
	}
	if !auth.CheckTokenHash("this-is-a-test-token", hash) {
		t.Fatalf("expected hash to validate against original token")
	}
}
