package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"gorm.io/gorm"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "not found", err: NotFound("plan"), want: KindNotFound},
		{name: "wrapped conflict", err: fmt.Errorf("create: %w", Conflict("already subscribed")), want: KindConflict},
		{name: "gorm not found", err: fmt.Errorf("load: %w", gorm.ErrRecordNotFound), want: KindNotFound},
		{name: "plain error", err: errors.New("boom"), want: KindInternal},
		{name: "nil", err: nil, want: ""},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: expected kind=%q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestInternalHidesCause(t *testing.T) {
	err := As(errors.New("pq: relation \"users\" does not exist"))
	if err.Kind != KindInternal {
		t.Fatalf("expected internal kind, got %q", err.Kind)
	}
	if err.Message != "internal error" {
		t.Fatalf("expected generic message, got %q", err.Message)
	}
	if err.StatusCode() != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", err.StatusCode())
	}
}

func TestValidationStatus(t *testing.T) {
	err := Validation("billing_cycle", "unsupported billing cycle")
	if err.StatusCode() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", err.StatusCode())
	}
	if err.Field != "billing_cycle" {
		t.Fatalf("expected field billing_cycle, got %q", err.Field)
	}
}
