package auth

import (
	"errors"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	policy := DefaultPasswordPolicy()

	tests := []struct {
		name     string
		password string
		email    string
		want     error
	}{
		{"valid", "Sup3rSecret42", "alice@example.com", nil},
		{"too short", "Ab1", "alice@example.com", ErrPasswordTooShort},
		{"no uppercase", "sup3rsecret42", "alice@example.com", ErrMissingUppercase},
		{"no lowercase", "SUP3RSECRET42", "alice@example.com", ErrMissingLowercase},
		{"no number", "SuperSecretWord", "alice@example.com", ErrMissingNumber},
		{"contains email local part", "MyAlicePass42", "alice@example.com", ErrContainsEmail},
		{"email check is case insensitive", "MyALICEPass42", "alice@example.com", ErrContainsEmail},
		{"short local part not matched", "PasswordAb42", "ab@example.com", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.ValidatePassword(tt.password, tt.email)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidatePassword(%q) = %v, want %v", tt.password, err, tt.want)
			}
		})
	}
}

func TestValidatePasswordMaxLength(t *testing.T) {
	policy := PasswordPolicy{MinLength: 4, MaxLength: 8}
	if err := policy.ValidatePassword("waytoolongpassword", ""); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("got %v, want ErrPasswordTooLong", err)
	}
	if err := policy.ValidatePassword("short", ""); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}
