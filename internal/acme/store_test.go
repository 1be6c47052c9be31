package acme

import (
	"context"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/storage"
)

// memStore is an in-memory Store for validator and aligner tests.
type memStore struct {
	accounts map[string]*model.Account
	orders   map[string]*model.Order
	authzs   map[string]*model.Authorization
	chals    map[string]*model.Challenge
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*model.Account),
		orders:   make(map[string]*model.Order),
		authzs:   make(map[string]*model.Authorization),
		chals:    make(map[string]*model.Challenge),
	}
}

func (m *memStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if acc, ok := m.accounts[id]; ok {
		return acc, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	if order, ok := m.orders[id]; ok {
		copied := *order
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) SaveOrder(ctx context.Context, order *model.Order) error {
	copied := *order
	m.orders[order.ID] = &copied
	return nil
}

func (m *memStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	if authz, ok := m.authzs[id]; ok {
		copied := *authz
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	copied := *authz
	m.authzs[authz.ID] = &copied
	return nil
}

func (m *memStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	var found []*model.Authorization
	for _, authz := range m.authzs {
		if authz.OrderID == orderID {
			copied := *authz
			found = append(found, &copied)
		}
	}
	return found, nil
}

func (m *memStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	if chal, ok := m.chals[id]; ok {
		copied := *chal
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	copied := *chal
	m.chals[chal.ID] = &copied
	return nil
}

func (m *memStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	var found []*model.Challenge
	for _, chal := range m.chals {
		if chal.AuthorizationID == authzID {
			copied := *chal
			found = append(found, &copied)
		}
	}
	return found, nil
}

var _ Store = (*memStore)(nil)

// fakeTXT answers TXT lookups from a fixed map.
type fakeTXT struct {
	records map[string][]string
	err     error
	calls   int
}

func (f *fakeTXT) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[name], nil
}

// seedOrder creates an account, order, authorization, and one challenge of
// the given type for the identifier, returning the challenge.
func seedOrder(t *testing.T, store *memStore, jwk *jose.JSONWebKey, identifier string, chalType string) *model.Challenge {
	t.Helper()

	jwkJSON, err := jwk.MarshalJSON()
	require.NoError(t, err)

	now := time.Now()
	account := &model.Account{ID: "acct-1", PublicKeyJWK: string(jwkJSON), Status: "valid"}
	store.accounts[account.ID] = account

	order := &model.Order{
		ID:        "order-1",
		AccountID: account.ID,
		Status:    model.OrderStatusPending,
		Expires:   now.Add(24 * time.Hour),
		Identifiers: []model.Identifier{
			{Type: "dns", Value: identifier},
		},
	}
	require.NoError(t, store.SaveOrder(context.Background(), order))

	authz := &model.Authorization{
		ID:         "authz-1",
		AccountID:  account.ID,
		OrderID:    order.ID,
		Identifier: model.Identifier{Type: "dns", Value: identifier},
		Status:     model.AuthorizationStatusPending,
		Expires:    now.Add(24 * time.Hour),
	}
	require.NoError(t, store.SaveAuthorization(context.Background(), authz))

	chal := &model.Challenge{
		ID:              "chal-1",
		AuthorizationID: authz.ID,
		Type:            chalType,
		Status:          model.ChallengeStatusPending,
		Token:           "test-token-abc123",
		CreatedAt:       now,
	}
	require.NoError(t, store.SaveChallenge(context.Background(), chal))
	return chal
}
