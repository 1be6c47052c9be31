package acme

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/model"
)

// seedMultiAuthzOrder creates an order with one authorization per identifier,
// each with a single dns-01 challenge, and returns the challenge IDs keyed by
// identifier.
func seedMultiAuthzOrder(t *testing.T, store *memStore, identifiers ...string) map[string]string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	order := &model.Order{
		ID:        "order-1",
		AccountID: "acct-1",
		Status:    model.OrderStatusPending,
		Expires:   now.Add(24 * time.Hour),
	}
	for _, ident := range identifiers {
		order.Identifiers = append(order.Identifiers, model.Identifier{Type: "dns", Value: ident})
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	chalIDs := make(map[string]string)
	for _, ident := range identifiers {
		authz := &model.Authorization{
			ID:         "authz-" + ident,
			AccountID:  order.AccountID,
			OrderID:    order.ID,
			Identifier: model.Identifier{Type: "dns", Value: ident},
			Status:     model.AuthorizationStatusPending,
			Expires:    now.Add(24 * time.Hour),
		}
		require.NoError(t, store.SaveAuthorization(ctx, authz))

		chal := &model.Challenge{
			ID:              "chal-" + ident,
			AuthorizationID: authz.ID,
			Type:            model.ChallengeTypeDNS01,
			Status:          model.ChallengeStatusPending,
			Token:           "token-" + ident,
		}
		require.NoError(t, store.SaveChallenge(ctx, chal))
		chalIDs[ident] = chal.ID
	}
	return chalIDs
}

func markChallengeValid(t *testing.T, store *memStore, chalID string) {
	t.Helper()
	chal, err := store.GetChallenge(context.Background(), chalID)
	require.NoError(t, err)
	chal.Status = model.ChallengeStatusValid
	chal.Validated = time.Now()
	require.NoError(t, store.SaveChallenge(context.Background(), chal))
}

func TestAlignOrderRequiresEveryAuthorization(t *testing.T) {
	store := newMemStore()
	chalIDs := seedMultiAuthzOrder(t, store, "a.example.org", "b.example.org")
	aligner := NewAligner(store, audit.NopSink{}, clock.NewFake())
	ctx := context.Background()

	// One of two identifiers solved: the solved authorization advances but
	// the order stays pending.
	markChallengeValid(t, store, chalIDs["a.example.org"])
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))

	order, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	solvedAuthz, err := store.GetAuthorization(ctx, "authz-a.example.org")
	require.NoError(t, err)
	assert.Equal(t, model.AuthorizationStatusValid, solvedAuthz.Status)
	pendingAuthz, err := store.GetAuthorization(ctx, "authz-b.example.org")
	require.NoError(t, err)
	assert.Equal(t, model.AuthorizationStatusPending, pendingAuthz.Status)

	// Both solved: the order becomes ready.
	markChallengeValid(t, store, chalIDs["b.example.org"])
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))

	order, err = store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReady, order.Status)
}

func TestAlignOrderAnyValidChallengeSolvesAuthorization(t *testing.T) {
	store := newMemStore()
	seedMultiAuthzOrder(t, store, "a.example.org")
	ctx := context.Background()

	// A second challenge on the same authorization; only this one solves.
	extra := &model.Challenge{
		ID:              "chal-extra",
		AuthorizationID: "authz-a.example.org",
		Type:            model.ChallengeTypeHTTP01,
		Status:          model.ChallengeStatusValid,
		Token:           "token-extra",
		Validated:       time.Now(),
	}
	require.NoError(t, store.SaveChallenge(ctx, extra))

	aligner := NewAligner(store, audit.NopSink{}, clock.NewFake())
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))

	order, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReady, order.Status)
}

func TestAlignOrderReadyIsStable(t *testing.T) {
	store := newMemStore()
	chalIDs := seedMultiAuthzOrder(t, store, "a.example.org")
	markChallengeValid(t, store, chalIDs["a.example.org"])
	aligner := NewAligner(store, audit.NopSink{}, clock.NewFake())
	ctx := context.Background()

	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))

	order, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReady, order.Status)
}

func TestAlignOrderEvictsLockWhenSettled(t *testing.T) {
	store := newMemStore()
	chalIDs := seedMultiAuthzOrder(t, store, "a.example.org", "b.example.org")
	aligner := NewAligner(store, audit.NopSink{}, clock.NewFake())
	ctx := context.Background()

	lockCount := func() int {
		aligner.mu.Lock()
		defer aligner.mu.Unlock()
		return len(aligner.locks)
	}

	// Unsolved orders keep their lock: more alignments are coming.
	markChallengeValid(t, store, chalIDs["a.example.org"])
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))
	assert.Equal(t, 1, lockCount())

	// The READY transition drops the entry, as does the fast path after it.
	markChallengeValid(t, store, chalIDs["b.example.org"])
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))
	assert.Equal(t, 0, lockCount())
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))
	assert.Equal(t, 0, lockCount())

	// Terminal orders never accumulate entries either.
	order, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	order.Status = model.OrderStatusInvalid
	require.NoError(t, store.SaveOrder(ctx, order))
	require.NoError(t, aligner.AlignOrder(ctx, "order-1"))
	assert.Equal(t, 0, lockCount())
}

func TestAlignOrderLeavesAdvancedStatesAlone(t *testing.T) {
	for _, status := range []string{
		model.OrderStatusProcessing,
		model.OrderStatusValid,
		model.OrderStatusInvalid,
	} {
		t.Run(status, func(t *testing.T) {
			store := newMemStore()
			chalIDs := seedMultiAuthzOrder(t, store, "a.example.org")
			markChallengeValid(t, store, chalIDs["a.example.org"])
			ctx := context.Background()

			order, err := store.GetOrder(ctx, "order-1")
			require.NoError(t, err)
			order.Status = status
			require.NoError(t, store.SaveOrder(ctx, order))

			aligner := NewAligner(store, audit.NopSink{}, clock.NewFake())
			require.NoError(t, aligner.AlignOrder(ctx, "order-1"))

			order, err = store.GetOrder(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, status, order.Status, "aligner never touches non-pending orders")
		})
	}
}
