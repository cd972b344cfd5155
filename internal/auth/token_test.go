package auth

import (
	"strings"
	"testing"
)

func TestHashAndCheckToken(t *testing.T) {
	hash, err := HashToken("my-secret-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("hash prefix = %q, want bcrypt $2 prefix", hash[:4])
	}
	if !CheckTokenHash("my-secret-token", hash) {
		t.Error("CheckTokenHash rejected the correct token")
	}
	if CheckTokenHash("wrong-token", hash) {
		t.Error("CheckTokenHash accepted the wrong token")
	}
}

func TestIsTokenHashed(t *testing.T) {
	hash, err := HashToken("another-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"real_hash", hash, true},
		{"plain_text", "another-token", false},
		{"empty", "", false},
		{"truncated_hash", hash[:57], false},
		{"dollar_prefix_short", "$2a$12$short", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenHashed(tt.token); got != tt.want {
				t.Errorf("IsTokenHashed(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

func TestVerifyToken(t *testing.T) {
	hash, err := HashToken("hashed-secret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	tests := []struct {
		name       string
		provided   string
		configured string
		want       bool
	}{
		{"plain_match", "abc123", "abc123", true},
		{"plain_mismatch", "abc123", "xyz789", false},
		{"hashed_match", "hashed-secret", hash, true},
		{"hashed_mismatch", "other-secret", hash, false},
		{"empty_provided", "", "abc123", false},
		{"empty_configured", "abc123", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyToken(tt.provided, tt.configured); got != tt.want {
				t.Errorf("VerifyToken(%q, ...) = %v, want %v", tt.provided, got, tt.want)
			}
		})
	}
}
