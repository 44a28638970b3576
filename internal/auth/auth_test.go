package auth

import (
	"errors"
	"testing"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestCheckBearerHeader(t *testing.T) {
	v := StaticToken{Token: "bench"}
	tests := []struct {
		header  string
		wantErr error
	}{
		{header: "Bearer bench", wantErr: nil},
		{header: "bearer  bench ", wantErr: nil},
		{header: "Bearer other", wantErr: ErrUnauthorized},
		{header: "Basic bench", wantErr: ErrMissingToken},
		{header: "Bearer", wantErr: ErrMissingToken},
		{header: "", wantErr: ErrMissingToken},
	}
	for _, tc := range tests {
		if err := Check(v, tc.header); !errors.Is(err, tc.wantErr) {
			t.Fatalf("header %q: expected %v, got %v", tc.header, tc.wantErr, err)
		}
	}
}
