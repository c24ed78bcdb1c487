package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// StepUpVerifier re-authorizes a destructive bulk operation. It is separate
// from session authentication: a valid session is not enough to wipe balances.
type StepUpVerifier interface {
	Verify(ctx context.Context, actor, password string) error
}

// BcryptStepUp checks the password against one bcrypt hash.
type BcryptStepUp struct {
	Hash []byte
}

func NewBcryptStepUp(hash string) *BcryptStepUp {
	return &BcryptStepUp{Hash: []byte(hash)}
}

func (b *BcryptStepUp) Verify(_ context.Context, actor, password string) error {
	if len(b.Hash) == 0 {
		return fmt.Errorf("step-up password not configured: %w", ErrUnauthorized)
	}
	if password == "" {
		return fmt.Errorf("password required: %w", ErrUnauthorized)
	}
	err := bcrypt.CompareHashAndPassword(b.Hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return fmt.Errorf("wrong password for %q: %w", actor, ErrUnauthorized)
	}
	if err != nil {
		return fmt.Errorf("verify password: %v: %w", err, ErrUnauthorized)
	}
	return nil
}

// HashStepUpPassword produces the value to put in configuration.
func HashStepUpPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
