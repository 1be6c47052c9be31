package acme

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/model"
)

// Aligner rolls challenge-level outcomes up into authorization and order
// status. It is the only writer of order status in the validation flow, and
// it serializes per order so concurrent challenge validations cannot race the
// READY transition.
type Aligner struct {
	store Store
	sink  audit.Sink
	clk   clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAligner creates an order state aligner.
func NewAligner(store Store, sink audit.Sink, clk clock.Clock) *Aligner {
	return &Aligner{
		store: store,
		sink:  sink,
		clk:   clk,
		locks: make(map[string]*sync.Mutex),
	}
}

// orderLock returns the mutex serializing alignment for one order.
func (a *Aligner) orderLock(orderID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[orderID] = lock
	}
	return lock
}

// dropOrderLock evicts an order's mutex once alignment can never mutate the
// order again, so the map does not grow with every order ever aligned.
func (a *Aligner) dropOrderLock(orderID string) {
	a.mu.Lock()
	delete(a.locks, orderID)
	a.mu.Unlock()
}

// AlignOrder recomputes the order status from its authorizations. An order
// already READY (or further along) is left alone; only PENDING orders
// advance. The order becomes READY exactly when every authorization has at
// least one VALID challenge.
func (a *Aligner) AlignOrder(ctx context.Context, orderID string) error {
	lock := a.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := a.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("acme: failed to load order %s: %w", orderID, err)
	}

	if order.Status == model.OrderStatusReady {
		logger.Debug("Order already ready", zap.String("orderId", orderID))
		a.dropOrderLock(orderID)
		return nil
	}
	if order.Status != model.OrderStatusPending {
		logger.Debug("Order not pending, leaving status untouched",
			zap.String("orderId", orderID), zap.String("status", order.Status))
		a.dropOrderLock(orderID)
		return nil
	}

	authzs, err := a.store.GetAuthorizationsByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("acme: failed to load authorizations for order %s: %w", orderID, err)
	}

	allSolved := true
	for _, authz := range authzs {
		chals, err := a.store.GetChallengesByAuthorizationID(ctx, authz.ID)
		if err != nil {
			return fmt.Errorf("acme: failed to load challenges for authorization %s: %w", authz.ID, err)
		}
		solved := false
		for _, chal := range chals {
			if chal.Status == model.ChallengeStatusValid {
				solved = true
				break
			}
		}
		if solved && authz.Status != model.AuthorizationStatusValid {
			authz.Status = model.AuthorizationStatusValid
			if err := a.store.SaveAuthorization(ctx, authz); err != nil {
				return fmt.Errorf("acme: failed to persist authorization %s: %w", authz.ID, err)
			}
		}
		if !solved {
			logger.Debug("Authorization still unsolved",
				zap.String("orderId", orderID),
				zap.String("authorizationId", authz.ID),
				zap.String("identifier", authz.Identifier.Value))
			allSolved = false
		}
	}

	if !allSolved {
		return nil
	}

	order.Status = model.OrderStatusReady
	order.LastModifiedAt = a.clk.Now()
	if err := a.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("acme: failed to persist order %s: %w", orderID, err)
	}
	logger.Info("Order ready", zap.String("orderId", orderID))
	a.sink.Record(ctx, &model.AuditEvent{
		Name:      audit.EventOrderReady,
		AccountID: order.AccountID,
		OrderID:   order.ID,
		Detail:    "all authorizations solved",
	})
	a.dropOrderLock(orderID)
	return nil
}
