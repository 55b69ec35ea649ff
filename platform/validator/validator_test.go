package validator

import (
	"errors"
	"slices"
	"testing"
	"time"
)

type event struct {
	Kind       string    `json:"kind" validate:"required,oneof=email call"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
	Note       string    `json:"-" validate:"max=3"`
}

func TestFieldErrorsUseJSONNames(t *testing.T) {
	err := New().Struct(event{Kind: "fax", Note: "long note"})
	got := FieldErrors(err)

	for _, want := range []string{"kind: oneof", "occurredAt: required", "Note: max"} {
		if !slices.Contains(got, want) {
			t.Fatalf("expected %q in %v", want, got)
		}
	}
}

func TestFieldErrorsPassesThroughOtherErrors(t *testing.T) {
	if FieldErrors(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	got := FieldErrors(errors.New("boom"))
	if len(got) != 1 || got[0] != "boom" {
		t.Fatalf("unexpected %v", got)
	}
	if err := New().Struct(event{Kind: "call", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}
