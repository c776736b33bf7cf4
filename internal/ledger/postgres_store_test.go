//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/testutil"
)

func newPGOrder(id string, now time.Time) *ledger.Order {
	return &ledger.Order{
		ID:             id,
		BuyerID:        "buyer_1",
		StoreID:        "store_1",
		SellerID:       "seller_1",
		RecipientCode:  "acct_seller_1",
		Status:         ledger.OrderPending,
		PaymentMethod:  ledger.PaymentGateway,
		SettlementMode: ledger.SettlementEscrowed,
		PaymentStatus:  ledger.PaymentStatusPending,
		TotalAmount:    10000,
		Currency:       "USD",
		Items: []ledger.OrderItem{
			{ProductID: "sku_1", Quantity: 1, UnitPrice: 6000},
			{ProductID: "sku_2", Quantity: 2, UnitPrice: 2000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_OrderRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := ledger.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := &ledger.StatusChange{OrderID: "ord_pg1", OldStatus: ledger.OrderPending, NewStatus: ledger.OrderPending, ChangedBy: "buyer_1", CreatedAt: now}
	require.NoError(t, store.CreateOrder(ctx, newPGOrder("ord_pg1", now), first))
	assert.NotZero(t, first.ID)

	got, err := store.GetOrder(ctx, "ord_pg1")
	require.NoError(t, err)
	assert.Equal(t, "acct_seller_1", got.RecipientCode)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, int64(6000), got.Items[0].UnitPrice)

	_, err = store.GetOrder(ctx, "missing")
	assert.True(t, errors.Is(err, ledger.ErrOrderNotFound))
}

func TestPostgresStore_EscrowAndDisputeLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := ledger.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.CreateOrder(ctx, newPGOrder("ord_pg2", now), nil))

	release := now.Add(-time.Minute)
	err := store.InOrderTx(ctx, "ord_pg2", func(tx ledger.Tx) error {
		if err := tx.InsertEscrow(&ledger.Escrow{
			ID: "esc_pg2", OrderID: "ord_pg2", PaymentID: "pi_1", AmountHeld: 10000, Currency: "USD",
			ReleaseStatus: ledger.ReleasePending, ReleaseDate: &release, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertDispute(&ledger.Dispute{
			ID: "dsp_pg2", OrderID: "ord_pg2", BuyerID: "buyer_1", SellerID: "seller_1", OpenedBy: "buyer_1",
			Type: ledger.DisputeNotReceived, Description: "nothing arrived", Status: ledger.DisputePending,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	due, err := store.ListDueEscrows(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	// Second pending dispute is rejected by the partial unique index.
	err = store.InOrderTx(ctx, "ord_pg2", func(tx ledger.Tx) error {
		return tx.InsertDispute(&ledger.Dispute{
			ID: "dsp_pg2b", OrderID: "ord_pg2", BuyerID: "buyer_1", SellerID: "seller_1", OpenedBy: "buyer_1",
			Type: ledger.DisputeOther, Description: "again", Status: ledger.DisputePending,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	assert.True(t, errors.Is(err, ledger.ErrAlreadyDisputed), "got %v", err)

	err = store.InOrderTx(ctx, "ord_pg2", func(tx ledger.Tx) error {
		e, err := tx.Escrow()
		if err != nil {
			return err
		}
		e.Frozen = true
		e.RefundDeclines = 2
		e.InFlight = &ledger.InFlight{Kind: ledger.SettlementRefund, Reference: "ref_1", Amount: 500, StartedAt: now}
		return tx.SaveEscrow(e)
	})
	require.NoError(t, err)

	e, err := store.GetEscrow(ctx, "esc_pg2")
	require.NoError(t, err)
	require.NotNil(t, e.InFlight)
	assert.Equal(t, "ref_1", e.InFlight.Reference)
	assert.True(t, e.Frozen)
	assert.Equal(t, 2, e.RefundDeclines)

	stuck, err := store.ListInFlightEscrows(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, stuck, 1)
}

func TestPostgresStore_RowLockSerializes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := ledger.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateOrder(ctx, newPGOrder("ord_pg3", now), nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.InOrderTx(ctx, "ord_pg3", func(tx ledger.Tx) error {
				o, err := tx.Order()
				if err != nil {
					return err
				}
				o.RefundAmount++
				return tx.SaveOrder(o)
			})
		}()
	}
	wg.Wait()

	o, err := store.GetOrder(ctx, "ord_pg3")
	require.NoError(t, err)
	assert.Equal(t, int64(20), o.RefundAmount)
}
