package client

import (
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		retry      bool
		consumes   bool
	}{
		{name: "rate limit", errorClass: ErrorClassRateLimit, retry: true, consumes: true},
		{name: "server", errorClass: ErrorClassServer, retry: true, consumes: true},
		{name: "network", errorClass: ErrorClassNetwork, retry: true, consumes: true},
		{name: "malformed moves on without waiting", errorClass: ErrorClassMalformed, retry: false, consumes: true},
		{name: "fatal", errorClass: ErrorClassFatal, retry: false, consumes: false},
		{name: "stage2", errorClass: ErrorClassStage2, retry: false, consumes: false},
		{name: "empty", errorClass: "", retry: false, consumes: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.retry {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.retry)
			}
			if got := consumesAttempt(tt.errorClass); got != tt.consumes {
				t.Errorf("consumesAttempt(%q) = %v, want %v", tt.errorClass, got, tt.consumes)
			}
		})
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name: "server error without cause",
			err: &FetchError{
				MunicipalityID: "99999",
				Class:          ErrorClassServer,
				Stage:          1,
				StatusCode:     500,
			},
			expected: "aemet server error (stage 1, status 500) for 99999",
		},
		{
			name: "malformed with cause",
			err: &FetchError{
				MunicipalityID: "28079",
				Class:          ErrorClassMalformed,
				Stage:          1,
				StatusCode:     200,
				Err:            ErrMissingDatos,
			},
			expected: "aemet malformed error (stage 1, status 200) for 28079: metadata response has no datos field",
		},
		{
			name: "network error without status",
			err: &FetchError{
				MunicipalityID: "08019",
				Class:          ErrorClassNetwork,
				Stage:          2,
				Err:            errors.New("connection refused"),
			},
			expected: "aemet network error (stage 2) for 08019: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	bare := &FetchError{Class: ErrorClassServer}
	if !errors.Is(bare, ErrNoResult) {
		t.Error("FetchError without cause should match ErrNoResult")
	}

	wrapped := &FetchError{Class: ErrorClassMalformed, Err: ErrEmptyForecast}
	if !errors.Is(wrapped, ErrNoResult) || !errors.Is(wrapped, ErrEmptyForecast) {
		t.Error("FetchError should match both ErrNoResult and its cause")
	}
}

func TestRedact(t *testing.T) {
	err := &url.Error{
		Op:  "Get",
		URL: "https://opendata.aemet.es/opendata/api/prediccion/especifica/municipio/diaria/28079?api_key=eyJhbGciOi",
		Err: errors.New("connection reset by peer"),
	}

	got := redact(err).Error()
	if strings.Contains(got, "eyJhbGciOi") {
		t.Errorf("redact() leaked the key: %s", got)
	}
	if !strings.Contains(got, "api_key=REDACTED") {
		t.Errorf("redact() = %s, want api_key=REDACTED", got)
	}

	plain := errors.New("boom")
	if redact(plain) != plain {
		t.Error("redact() should pass non-URL errors through")
	}
}

func TestToUTF8(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
	}{
		{name: "declared utf-8", body: []byte("Cádiz"), contentType: "application/json;charset=UTF-8", want: "Cádiz"},
		{name: "declared iso-8859-15", body: []byte{'C', 0xe1, 'd', 'i', 'z'}, contentType: "text/plain;charset=ISO-8859-15", want: "Cádiz"},
		{name: "undeclared latin bytes", body: []byte{'C', 0xe1, 'd', 'i', 'z'}, contentType: "application/json", want: "Cádiz"},
		{name: "undeclared utf-8", body: []byte("Cádiz"), contentType: "", want: "Cádiz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toUTF8(tt.body, tt.contentType)
			if err != nil {
				t.Fatalf("toUTF8() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("toUTF8() = %q, want %q", got, tt.want)
			}
		})
	}
}
