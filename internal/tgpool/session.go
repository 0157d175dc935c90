package tgpool

import (
	"context"
	"sync"

	"telegram-broadcast/internal/store"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// AccountStore is the slice of the persistent store the pool needs: loading
// account rows and persisting refreshed session material.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*store.TelegramAccount, error)
	UpdateAccountSession(ctx context.Context, accountID string, material []byte) error
}

// sessionStorage implements tdsession.Storage on top of the account row's
// session_material column, so a worker can pick up any account on any host
// without shipping session files around.
type sessionStorage struct {
	accountID string
	accounts  AccountStore
	mux       sync.Mutex
}

var _ tdsession.Storage = (*sessionStorage)(nil)

// LoadSession reads the session blob from the account row.
func (s *sessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	account, err := s.accounts.GetAccount(ctx, s.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	if account == nil || len(account.SessionMaterial) == 0 {
		return nil, tdsession.ErrNotFound
	}
	return account.SessionMaterial, nil
}

// StoreSession writes a refreshed session blob back to the account row. gotd
// calls this after key rotation and re-authorization.
func (s *sessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil {
		return errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.accounts.UpdateAccountSession(ctx, s.accountID, data); err != nil {
		return errors.Wrap(err, "store session")
	}
	return nil
}
