package auth

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordTooLong  = errors.New("password is too long")
	ErrMissingUppercase = errors.New("password must contain at least one uppercase letter")
	ErrMissingLowercase = errors.New("password must contain at least one lowercase letter")
	ErrMissingNumber    = errors.New("password must contain at least one number")
	ErrContainsEmail    = errors.New("password cannot contain the account email")
)

// PasswordPolicy is the password strength policy enforced on account
// creation, password change, and reset.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        10,
		MaxLength:        128,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
	}
}

// ValidatePassword checks the password against the policy. The email's
// local part must not appear in the password.
func (p PasswordPolicy) ValidatePassword(password, email string) error {
	if len(password) < p.MinLength {
		return ErrPasswordTooShort
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}
	if p.RequireUppercase && !hasUpper {
		return ErrMissingUppercase
	}
	if p.RequireLowercase && !hasLower {
		return ErrMissingLowercase
	}
	if p.RequireNumbers && !hasNumber {
		return ErrMissingNumber
	}

	if local, _, found := strings.Cut(email, "@"); found && len(local) >= 3 {
		if strings.Contains(strings.ToLower(password), strings.ToLower(local)) {
			return ErrContainsEmail
		}
	}
	return nil
}
