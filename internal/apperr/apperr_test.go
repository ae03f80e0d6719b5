package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"unauthenticated", Unauthenticated("x"), KindUnauthenticated},
		{"wrapped forbidden", fmt.Errorf("ctx: %w", Forbidden("nope")), KindForbidden},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Conflict("email already registered"))
	if !errors.Is(err, Conflict("")) {
		t.Error("expected errors.Is to match any conflict")
	}
	if !errors.Is(err, Conflict("email already registered")) {
		t.Error("expected errors.Is to match exact message")
	}
	if errors.Is(err, Conflict("other")) {
		t.Error("expected mismatch on different message")
	}
	if errors.Is(err, Forbidden("")) {
		t.Error("expected mismatch on different kind")
	}
}

func TestMessageOfHidesInternal(t *testing.T) {
	if got := MessageOf(errors.New("pg: connection refused")); got != "internal server error" {
		t.Errorf("expected generic message, got %q", got)
	}
	if got := MessageOf(BadRequest("missing organization header")); got != "missing organization header" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(KindNotFound, "organization not found", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindUnauthenticated: http.StatusUnauthorized,
		KindBadRequest:      http.StatusBadRequest,
		KindForbidden:       http.StatusForbidden,
		KindConflict:        http.StatusConflict,
		KindNotFound:        http.StatusNotFound,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
