package dispute

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/order"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/validation"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	buyer  = policy.Actor{ID: "buyer_1", Role: policy.RoleBuyer}
	seller = policy.Actor{ID: "seller_1", Role: policy.RoleSeller}
	admin  = policy.Actor{ID: "ops_1", Role: policy.RoleAdmin}
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *ledger.MemoryStore
	sandbox  *gateway.Sandbox
	clock    *clock.Fake
	notifier *recordingNotifier
	escrow   *escrow.Service
	orders   *order.Service
	timer    *escrow.Timer
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		sandbox:  gateway.NewSandbox(),
		clock:    clock.NewFake(t0),
		notifier: &recordingNotifier{},
	}
	f.escrow = escrow.NewService(f.store, f.sandbox, f.clock, slog.Default()).
		WithPersistPolicy(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond})
	f.orders = order.NewService(f.store, f.escrow, f.clock, slog.Default())
	f.timer = escrow.NewTimer(f.escrow, f.store, slog.Default())
	f.svc = NewService(f.store, f.escrow, f.clock, slog.Default()).WithNotifier(f.notifier)
	return f
}

// delivered places a paid gateway order for 10000 and walks it to DELIVERED.
func (f *fixture) delivered(t *testing.T) *ledger.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Place(ctx, buyer, order.PlaceRequest{
		StoreID:       "store_1",
		SellerID:      "seller_1",
		RecipientCode: "acct_seller_1",
		PaymentMethod: ledger.PaymentGateway,
		Currency:      "USD",
		Items:         []ledger.OrderItem{{ProductID: "sku_1", Quantity: 4, UnitPrice: 2500}},
	})
	require.NoError(t, err)
	_, err = f.orders.RecordPayment(ctx, policy.System, o.ID, "ch_"+o.ID, true)
	require.NoError(t, err)
	_, err = f.orders.Confirm(ctx, seller, o.ID)
	require.NoError(t, err)
	_, err = f.orders.AdvanceDelivery(ctx, seller, o.ID, ledger.OrderShipped)
	require.NoError(t, err)
	o, err = f.orders.AdvanceDelivery(ctx, seller, o.ID, ledger.OrderDelivered)
	require.NoError(t, err)
	return o
}

func (f *fixture) open(t *testing.T, orderID string) *ledger.Dispute {
	t.Helper()
	d, err := f.svc.Open(context.Background(), buyer, OpenRequest{
		OrderID:     orderID,
		Type:        ledger.DisputeNotAsDescribed,
		Description: "arrived in the wrong colour",
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) escrowOf(t *testing.T, orderID string) *ledger.Escrow {
	t.Helper()
	e, err := f.store.GetEscrowByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return e
}

func amount(v int64) *int64 { return &v }

func TestDisputedAndRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)

	d := f.open(t, o.ID)
	assert.Equal(t, ledger.DisputePending, d.Status)
	assert.Equal(t, buyer.ID, d.OpenedBy)
	assert.True(t, f.escrowOf(t, o.ID).Frozen)

	// The release date passes while the dispute is open.
	f.clock.Advance(escrow.DefaultReleaseWindow + time.Hour)
	sweep := f.timer.Sweep(ctx)
	assert.Equal(t, 0, sweep.Released)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpTransfer))

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:    ledger.DisputeResolved,
		Resolution: "seller agreed",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.DisputeResolved, res.Dispute.Status)
	require.NotNil(t, res.Dispute.ResolvedAmount)
	assert.Equal(t, int64(10000), *res.Dispute.ResolvedAmount)
	assert.Equal(t, admin.ID, res.Dispute.ResolvedBy)
	assert.False(t, res.Dispute.RequiresManualIntervention)

	assert.Equal(t, ledger.OrderCancelled, res.Order.Status)
	assert.Equal(t, ledger.PaymentStatusRefunded, res.Order.PaymentStatus)
	assert.Equal(t, int64(10000), res.Order.RefundAmount)
	assert.Equal(t, ledger.ReleaseRefunded, res.Escrow.ReleaseStatus)
	assert.False(t, res.Escrow.Frozen)
	require.NotNil(t, res.Refund)
	assert.Equal(t, ledger.AttemptSuccess, res.Refund.Status)

	assert.Equal(t, int64(10000), f.sandbox.RefundedTotal("ch_"+o.ID))
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpTransfer))

	// Nothing is left for the scheduler.
	f.timer.Sweep(ctx)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpTransfer))

	// Resolving again is refused.
	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	assert.Equal(t, 1, f.sandbox.Calls(gateway.OpRefund))
}

func TestOpen_AfterReleaseRequiresManualIntervention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)

	// The scheduler pays out before the dispute lands.
	f.clock.Advance(escrow.DefaultReleaseWindow)
	require.Equal(t, 1, f.timer.Sweep(ctx).Released)

	d := f.open(t, o.ID)
	assert.Equal(t, ledger.DisputePending, d.Status)

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, res.Dispute.Status)
	assert.True(t, res.Dispute.RequiresManualIntervention)
	assert.Nil(t, res.Refund)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpRefund))
	assert.Equal(t, 1, f.notifier.count(notify.KindAlert))

	got, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, ledger.OrderDelivered, got.Status)
	assert.Equal(t, int64(0), got.RefundAmount)
}

func TestOpen_DuringPayoutRequiresManualIntervention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.sandbox.OnCall(func(op, _ string) {
		if op == gateway.OpTransfer {
			once.Do(func() { close(entered) })
			<-proceed
		}
	})
	unblock := sync.OnceFunc(func() { close(proceed) })
	defer unblock()

	f.clock.Advance(escrow.DefaultReleaseWindow)
	swept := make(chan escrow.SweepResult, 1)
	go func() { swept <- f.timer.Sweep(ctx) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("payout never reached the gateway")
	}

	// The buyer disputes while the transfer is with the processor.
	d := f.open(t, o.ID)
	e := f.escrowOf(t, o.ID)
	assert.True(t, e.Frozen)
	require.NotNil(t, e.InFlight)
	assert.Equal(t, ledger.SettlementTransfer, e.InFlight.Kind)

	unblock()
	select {
	case res := <-swept:
		assert.Equal(t, 1, res.Released)
	case <-time.After(time.Second):
		t.Fatal("sweep did not finish")
	}
	assert.Equal(t, ledger.ReleaseReleased, f.escrowOf(t, o.ID).ReleaseStatus)

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	require.NoError(t, err)
	assert.True(t, res.Dispute.RequiresManualIntervention)
	assert.Nil(t, res.Refund)
	assert.Equal(t, 1, f.sandbox.Calls(gateway.OpTransfer))
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpRefund))
	assert.Equal(t, 1, f.notifier.count(notify.KindAlert))
}

func TestResolve_PartialRefundKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:      ledger.DisputeResolved,
		Resolution:   "one item damaged",
		RefundAmount: amount(3000),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderDelivered, res.Order.Status)
	assert.Equal(t, ledger.PaymentStatusPartiallyRefunded, res.Order.PaymentStatus)
	assert.Equal(t, int64(7000), res.Escrow.AmountHeld)
	assert.Equal(t, ledger.ReleasePending, res.Escrow.ReleaseStatus)
	assert.False(t, res.Escrow.Frozen)

	// The remainder goes to the seller on the original schedule.
	f.clock.Advance(escrow.DefaultReleaseWindow)
	require.Equal(t, 1, f.timer.Sweep(ctx).Released)
	transfers := f.sandbox.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(7000), transfers[0].Amount)
}

func TestResolve_ZeroAmountUpholdsWithoutRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:      ledger.DisputeResolved,
		Resolution:   "replacement shipped",
		RefundAmount: amount(0),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, res.Dispute.Status)
	assert.Nil(t, res.Dispute.ResolvedAmount)
	assert.False(t, f.escrowOf(t, o.ID).Frozen)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpRefund))
}

func TestResolve_AmountChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	_, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved, RefundAmount: amount(10001)})
	assert.ErrorIs(t, err, ledger.ErrRefundExceedsTotal)
	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved, RefundAmount: amount(-1)})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputePending})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	_, err = f.svc.Resolve(ctx, buyer, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	got, _ := f.store.GetDispute(ctx, d.ID)
	assert.Equal(t, ledger.DisputePending, got.Status)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpRefund))
}

func TestResolve_RefundDeclinedLeavesDisputeOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)
	var refs []string
	f.sandbox.OnCall(func(op, reference string) {
		if op == gateway.OpRefund {
			refs = append(refs, reference)
		}
	})
	f.sandbox.FailNext(gateway.OpRefund, gateway.Declined(gateway.OpRefund, "charge disputed at issuer"))

	_, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	assert.ErrorIs(t, err, ledger.ErrRefundFailed)

	got, _ := f.store.GetDispute(ctx, d.ID)
	assert.Equal(t, ledger.DisputePending, got.Status)
	e := f.escrowOf(t, o.ID)
	assert.True(t, e.Frozen)
	assert.Nil(t, e.InFlight)

	attempts, err := f.store.ListRefundAttempts(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, ledger.AttemptFailed, attempts[0].Status)

	// The adjudicator can try again, and the processor sees a new request.
	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, res.Order.Status)
	require.Len(t, refs, 2)
	assert.NotEqual(t, refs[0], refs[1])
	assert.Equal(t, int64(10000), f.sandbox.RefundedTotal("ch_"+o.ID))
}

func TestResolve_FailedPayoutStaysFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)

	f.sandbox.FailNext(gateway.OpTransfer, gateway.Declined(gateway.OpTransfer, "account closed"))
	receipt, err := f.orders.ConfirmReceipt(ctx, buyer, o.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.ReleaseFailed, receipt.Escrow.ReleaseStatus)

	d := f.open(t, o.ID)
	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Outcome: ledger.DisputeResolved})
	require.NoError(t, err)
	assert.True(t, res.Dispute.RequiresManualIntervention)
	assert.Equal(t, ledger.OrderCompleted, res.Order.Status)
	assert.Equal(t, 0, f.sandbox.Calls(gateway.OpRefund))

	e := f.escrowOf(t, o.ID)
	assert.True(t, e.Frozen)
	_, err = f.escrow.RetryRelease(ctx, admin, e.ID)
	assert.ErrorIs(t, err, ledger.ErrEscrowFrozen)
}

func TestReject_UnfreezesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	res, err := f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{
		Outcome:    ledger.DisputeCancelled,
		Resolution: "tracking shows delivery",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeCancelled, res.Dispute.Status)
	assert.Equal(t, "tracking shows delivery", res.Dispute.Resolution)
	assert.False(t, res.Escrow.Frozen)

	f.clock.Advance(escrow.DefaultReleaseWindow)
	assert.Equal(t, 1, f.timer.Sweep(ctx).Released)

	// A new dispute may be opened once the first is closed.
	f.open(t, o.ID)
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)

	_, err := f.svc.Open(ctx, buyer, OpenRequest{OrderID: o.ID, Type: "LOST_IN_SPACE", Description: "?"})
	var verrs validation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "type", verrs[0].Field)

	_, err = f.svc.Open(ctx, buyer, OpenRequest{OrderID: o.ID, Type: ledger.DisputeOther})
	require.ErrorAs(t, err, &verrs)

	stranger := policy.Actor{ID: "buyer_9", Role: policy.RoleBuyer}
	_, err = f.svc.Open(ctx, stranger, OpenRequest{OrderID: o.ID, Type: ledger.DisputeOther, Description: "x"})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	f.open(t, o.ID)
	_, err = f.svc.Open(ctx, seller, OpenRequest{OrderID: o.ID, Type: ledger.DisputeOther, Description: "buyer is lying"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyDisputed)
}

func TestOpen_StateAndWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Place(ctx, buyer, order.PlaceRequest{
		StoreID: "store_1", SellerID: "seller_1", RecipientCode: "acct_seller_1",
		PaymentMethod: ledger.PaymentGateway, Currency: "USD",
		Items: []ledger.OrderItem{{ProductID: "sku_1", Quantity: 1, UnitPrice: 100}},
	})
	require.NoError(t, err)
	_, err = f.svc.Open(ctx, buyer, OpenRequest{OrderID: o.ID, Type: ledger.DisputeNotReceived, Description: "where is it"})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	delivered := f.delivered(t)
	f.clock.Advance(DefaultEligibilityWindow + time.Minute)
	_, err = f.svc.Open(ctx, buyer, OpenRequest{OrderID: delivered.ID, Type: ledger.DisputeDamagedItem, Description: "cracked"})
	assert.ErrorIs(t, err, ledger.ErrNotEligible)
}

func TestCancel_OnlyOpenerMayWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	_, err := f.svc.Cancel(ctx, seller, d.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.svc.Cancel(ctx, admin, d.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	got, err := f.svc.Cancel(ctx, buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeCancelled, got.Status)
	assert.False(t, f.escrowOf(t, o.ID).Frozen)

	_, err = f.svc.Cancel(ctx, buyer, d.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.delivered(t)
	d := f.open(t, o.ID)

	got, err := f.svc.Get(ctx, seller, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	_, err = f.svc.Get(ctx, policy.Actor{ID: "seller_2", Role: policy.RoleSeller}, d.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.svc.Get(ctx, admin, "dsp_missing")
	assert.ErrorIs(t, err, ledger.ErrDisputeNotFound)

	list, err := f.svc.ListByOrder(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCheckRefundEligibility(t *testing.T) {
	ctx := context.Background()

	t.Run("eligible", func(t *testing.T) {
		f := newFixture(t)
		o := f.delivered(t)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.True(t, el.Eligible)
		assert.Empty(t, el.Reason)
		assert.Equal(t, int64(10000), el.Refundable)
		assert.True(t, el.WindowEndsAt.Equal(t0.Add(DefaultEligibilityWindow)))
	})

	t.Run("dispute open", func(t *testing.T) {
		f := newFixture(t)
		o := f.delivered(t)
		f.open(t, o.ID)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.False(t, el.Eligible)
		assert.Equal(t, ReasonDisputeOpen, el.Reason)
	})

	t.Run("released", func(t *testing.T) {
		f := newFixture(t)
		o := f.delivered(t)
		_, err := f.escrow.ReleaseOrder(ctx, o.ID, escrow.TriggerOperator)
		require.NoError(t, err)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.False(t, el.Eligible)
		assert.True(t, el.RequiresManualIntervention)
		assert.Equal(t, ReasonEscrowReleased, el.Reason)
	})

	t.Run("window expired", func(t *testing.T) {
		f := newFixture(t)
		o := f.delivered(t)
		f.clock.Advance(DefaultEligibilityWindow + time.Second)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonWindowExpired, el.Reason)
	})

	t.Run("not delivered", func(t *testing.T) {
		f := newFixture(t)
		o, err := f.orders.Place(ctx, buyer, order.PlaceRequest{
			StoreID: "store_1", SellerID: "seller_1", RecipientCode: "acct_seller_1",
			PaymentMethod: ledger.PaymentGateway, Currency: "USD",
			Items: []ledger.OrderItem{{ProductID: "sku_1", Quantity: 1, UnitPrice: 100}},
		})
		require.NoError(t, err)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonNotPaid, el.Reason)

		_, err = f.orders.RecordPayment(ctx, policy.System, o.ID, "ch_x", true)
		require.NoError(t, err)
		el, err = f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonNotDelivered, el.Reason)
	})

	t.Run("points order", func(t *testing.T) {
		f := newFixture(t)
		o, err := f.orders.Place(ctx, buyer, order.PlaceRequest{
			StoreID: "store_1", SellerID: "seller_1",
			PaymentMethod: ledger.PaymentPoints, Currency: "USD",
			Items: []ledger.OrderItem{{ProductID: "sku_1", Quantity: 1, UnitPrice: 100}},
		})
		require.NoError(t, err)
		el, err := f.svc.CheckRefundEligibility(ctx, buyer, o.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonDirectSettlement, el.Reason)
	})

	t.Run("stranger", func(t *testing.T) {
		f := newFixture(t)
		o := f.delivered(t)
		_, err := f.svc.CheckRefundEligibility(ctx, policy.Actor{ID: "buyer_9", Role: policy.RoleBuyer}, o.ID)
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	})
}
