package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/idgen"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/validation"
	"github.com/voicedesk/voicedesk/internal/vault"
)

// Service implements account registration, login and vendor key storage.
type Service struct {
	store  Store
	issuer *auth.Issuer
	vault  *vault.Vault
	now    func() time.Time
}

// NewService creates a user service.
func NewService(store Store, issuer *auth.Issuer, v *vault.Vault) *Service {
	return &Service{store: store, issuer: issuer, vault: v, now: time.Now}
}

// Register creates an account. email is normalized before storage.
func (s *Service) Register(ctx context.Context, email, name, password string) (*User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &User{
		ID:           idgen.New(idgen.PrefixUser),
		Email:        validation.NormalizeEmail(email),
		Name:         validation.SanitizeString(name, 200),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("user registered", "userId", u.ID)
	return u, nil
}

// Login checks credentials and returns a session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, *User, error) {
	u, err := s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return "", time.Time{}, nil, ErrInvalidLogin
	}
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return "", time.Time{}, nil, ErrInvalidLogin
	}
	token, exp, err := s.issuer.Issue(u.ID, auth.RoleUser)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, exp, u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// SetVendorKey seals and stores the user's voice-platform API key.
func (s *Service) SetVendorKey(ctx context.Context, id, key string) error {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sealed, err := s.vault.Seal(u.ID, []byte(key))
	if err != nil {
		return fmt.Errorf("seal vendor key: %w", err)
	}
	u.VendorKeySealed = sealed
	u.UpdatedAt = s.now()
	return s.store.Update(ctx, u)
}

// ClearVendorKey removes the stored vendor key.
func (s *Service) ClearVendorKey(ctx context.Context, id string) error {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	u.VendorKeySealed = nil
	u.UpdatedAt = s.now()
	return s.store.Update(ctx, u)
}

// VendorKey returns the decrypted vendor key for server-side use.
func (s *Service) VendorKey(ctx context.Context, id string) (string, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !u.HasVendorKey() {
		return "", ErrNoVendorKey
	}
	plain, err := s.vault.Open(u.ID, u.VendorKeySealed)
	if err != nil {
		return "", fmt.Errorf("open vendor key: %w", err)
	}
	return string(plain), nil
}
