package apperr

import (
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("attempt", 7), KindNotFound},
		{"wrapped conflict", fmt.Errorf("dispute question: %w", Conflict("dispute", "already disputed")), KindConflict},
		{"plain error", fmt.Errorf("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	transient := &Error{Kind: KindOracleUnavailable, Retryable: true}
	auth := &Error{Kind: KindOracleUnavailable}
	if !IsRetryable(fmt.Errorf("grade: %w", transient)) {
		t.Error("expected wrapped transient oracle error to be retryable")
	}
	if IsRetryable(auth) {
		t.Error("expected non-retryable oracle error")
	}
	if IsRetryable(Validation("answer", "bad")) {
		t.Error("validation errors are never retryable")
	}
}

func TestStruct(t *testing.T) {
	type input struct {
		Argument string  `validate:"required,max=10"`
		Score    float64 `validate:"gte=0"`
	}

	if err := Struct("dispute", input{Argument: "fine", Score: 1}); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}

	err := Struct("dispute", input{Score: -1})
	if !Is(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{"argument is required", "score must be at least 0"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}
