package models

import (
	"errors"
	"testing"
)

func TestValidationErrorsIs(t *testing.T) {
	validation := &ValidationErrors{}
	_, kindErr := ParseMediaKind("application/pdf")
	validation.Add("media.kind", kindErr)

	err := validation.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected errors.Is to match ErrUnsupportedMedia, got %v", err)
	}
}

func TestValidationErrorsNestedFields(t *testing.T) {
	nested := &ValidationErrors{}
	nested.AddMessage("identityId", "is required")

	validation := &ValidationErrors{}
	validation.Add("participants[1]", nested)
	validation.Add("[3]", nested)

	err := validation.Err()
	if err == nil {
		t.Fatal("expected error")
	}

	list, ok := err.(*ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors type, got %T", err)
	}
	if len(list.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(list.Errors))
	}
	if list.Errors[0].Field != "participants[1].identityId" {
		t.Fatalf("unexpected field %q", list.Errors[0].Field)
	}
	if list.Errors[1].Field != "[3].identityId" {
		t.Fatalf("unexpected field %q", list.Errors[1].Field)
	}
}

func TestValidationErrorsEmpty(t *testing.T) {
	var validation ValidationErrors
	if validation.Err() != nil {
		t.Fatal("expected nil error for empty validation")
	}
	if IsValidationError(errors.New("plain")) {
		t.Fatal("plain error reported as validation error")
	}
}
