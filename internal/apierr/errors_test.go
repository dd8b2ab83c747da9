package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code       int
		credential bool
		validation bool
		transient  bool
	}{
		{http.StatusUnauthorized, true, false, false},
		{http.StatusBadRequest, false, true, false},
		{http.StatusConflict, false, true, false},
		{http.StatusUnprocessableEntity, false, true, false},
		{http.StatusRequestTimeout, false, false, true},
		{http.StatusTooManyRequests, false, false, true},
		{http.StatusInternalServerError, false, false, true},
		{http.StatusBadGateway, false, false, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := FromStatus("op", tt.code, "")
			if IsCredential(err) != tt.credential {
				t.Errorf("IsCredential = %v, want %v", IsCredential(err), tt.credential)
			}
			if IsValidation(err) != tt.validation {
				t.Errorf("IsValidation = %v, want %v", IsValidation(err), tt.validation)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestValidationCarriesServerMessage(t *testing.T) {
	err := FromStatus("create group", http.StatusConflict, "group name already taken")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	if ve.Message != "group name already taken" {
		t.Errorf("message = %q", ve.Message)
	}
}

func TestWrappedClassification(t *testing.T) {
	err := fmt.Errorf("load members: %w", ErrNoCredentials)
	if !IsCredential(err) {
		t.Error("wrapped ErrNoCredentials should classify as credential")
	}
	err = fmt.Errorf("poll: %w", Transient("GET /x", errors.New("timeout")))
	if !IsTransient(err) {
		t.Error("wrapped TransientError should classify as transient")
	}
}
