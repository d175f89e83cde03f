package security

import (
	"errors"
	"testing"
	"time"

	"github.com/estatedesk/billing/internal/models"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "s3cret!" {
		t.Fatalf("expected hashed password")
	}
	if !CheckPassword(hash, "s3cret!") {
		t.Fatalf("expected password to match")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatalf("expected mismatch for wrong password")
	}
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken("secret", 42, models.RoleManager, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Role != models.RoleManager {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	token, err := IssueToken("secret", 42, models.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, errParse := ParseToken("other", token); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", errParse)
	}

	expired, err := IssueToken("secret", 42, models.RoleUser, -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, errParse := ParseToken("secret", expired); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", errParse)
	}
}
