// Package authpw provides password authentication for the demo credential store.
package authpw

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"sharedstate/server/internal/store"
	"sharedstate/server/internal/util"
)

// AccountStore defines the storage interface for auth
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error
}

type Service struct {
	store AccountStore
}

func NewService(store AccountStore) *Service {
	return &Service{store: store}
}

// SignUp creates a new account for userID.
func (s *Service) SignUp(ctx context.Context, userID, password string) (store.Account, error) {
	if userID == "" || password == "" {
		return store.Account{}, errors.New("userId and password are required")
	}
	if len(password) < 8 {
		return store.Account{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetAccount(ctx, userID); err == nil {
		return store.Account{}, errors.New("userId already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.Account{}, errors.New("could not hash password")
	}

	account := store.Account{
		ID:           util.NewID("acc"),
		UserID:       userID,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return store.Account{}, errors.New("could not create account")
	}
	return account, nil
}

// SignIn authenticates userID against its stored password hash.
func (s *Service) SignIn(ctx context.Context, userID, password string) (store.Account, error) {
	if userID == "" || password == "" {
		return store.Account{}, errors.New("userId and password are required")
	}

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return store.Account{}, errors.New("invalid userId or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return store.Account{}, errors.New("invalid userId or password")
	}
	return account, nil
}
