package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/ledger"
)

func TestSandbox_TransferIsIdempotentByReference(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()

	first, err := s.Transfer(ctx, "acct_1", 10000, "USD", "esc_1-release-0")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := s.Transfer(ctx, "acct_1", 10000, "USD", "esc_1-release-0")
	if err != nil {
		t.Fatalf("repeat transfer: %v", err)
	}
	if first.GatewayRef != second.GatewayRef {
		t.Errorf("repeat with same reference must return the same payout")
	}
	if n := len(s.Transfers()); n != 1 {
		t.Errorf("expected 1 distinct payout, got %d", n)
	}
	if s.Calls(OpTransfer) != 2 {
		t.Errorf("expected 2 calls, got %d", s.Calls(OpTransfer))
	}
}

func TestSandbox_FailNextMovesNoMoney(t *testing.T) {
	s := NewSandbox()
	s.FailNext(OpRefund, Declined(OpRefund, "insufficient balance"))

	_, err := s.Refund(context.Background(), "pi_1", 500, "damaged", "ref_1")
	if !errors.Is(err, ledger.ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}
	if s.RefundedTotal("pi_1") != 0 {
		t.Error("declined refund must not move money")
	}

	if _, err := s.Refund(context.Background(), "pi_1", 500, "damaged", "ref_1"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if s.RefundedTotal("pi_1") != 500 {
		t.Errorf("expected 500 refunded, got %d", s.RefundedTotal("pi_1"))
	}
}

func TestSandbox_LoseNextResponse(t *testing.T) {
	s := NewSandbox()
	s.LoseNextResponse(OpTransfer)
	ctx := context.Background()

	_, err := s.Transfer(ctx, "acct_1", 700, "USD", "esc_2-release-0")
	if !errors.Is(err, ledger.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	found, err := s.VerifyTransfer(ctx, "esc_2-release-0")
	if err != nil || found.Status != TransferSucceeded {
		t.Fatalf("payout should exist despite lost response: %s %v", found.Status, err)
	}
	if found.GatewayRef != s.Transfers()[0].GatewayRef {
		t.Errorf("expected the payout's processor id, got %q", found.GatewayRef)
	}
	found, _ = s.VerifyTransfer(ctx, "never-sent")
	if found.Status != TransferNotFound {
		t.Errorf("expected NOT_FOUND, got %s", found.Status)
	}
}

func TestIsUnavailable(t *testing.T) {
	if !IsUnavailable(Unavailable(OpRefund, errors.New("eof"))) {
		t.Error("wrapped unavailable")
	}
	if !IsUnavailable(context.DeadlineExceeded) {
		t.Error("deadline is an unknown outcome")
	}
	if IsUnavailable(Declined(OpTransfer, "no account")) {
		t.Error("decline is a definite outcome")
	}

	unsent := NotAttempted(OpTransfer, ErrCircuitOpen)
	if !IsUnavailable(unsent) || !IsNotAttempted(unsent) {
		t.Errorf("unsent call should be unavailable and not attempted: %v", unsent)
	}
	if IsNotAttempted(Unavailable(OpTransfer, errors.New("eof"))) {
		t.Error("a sent call with a lost response was attempted")
	}
}

type slowGateway struct{ Gateway }

func (slowGateway) Transfer(ctx context.Context, _ string, _ int64, _, _ string) (TransferResult, error) {
	<-ctx.Done()
	return TransferResult{}, ctx.Err()
}

func TestGuarded_TimeoutIsUnavailable(t *testing.T) {
	g := NewGuarded(slowGateway{NewSandbox()}, nil, 10*time.Millisecond)

	_, err := g.Transfer(context.Background(), "acct_1", 100, "USD", "ref")
	if !errors.Is(err, ledger.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestGuarded_BreakerOpensOnUnknownOutcomesOnly(t *testing.T) {
	sb := NewSandbox()
	br := circuitbreaker.New(2, time.Minute, clock.NewFake(time.Now()))
	g := NewGuarded(sb, br, time.Second)
	ctx := context.Background()

	// Declines do not trip the breaker.
	for i := 0; i < 3; i++ {
		sb.FailNext(OpRefund, Declined(OpRefund, "charge already refunded"))
		if _, err := g.Refund(ctx, "pi_1", 100, "", "r"); !errors.Is(err, ledger.ErrRefundFailed) {
			t.Fatalf("expected decline, got %v", err)
		}
	}
	if br.State(OpRefund) != circuitbreaker.StateClosed {
		t.Fatalf("declines must not open the breaker")
	}

	sb.FailNext(OpRefund, Unavailable(OpRefund, errors.New("502")))
	sb.FailNext(OpRefund, Unavailable(OpRefund, errors.New("502")))
	_, _ = g.Refund(ctx, "pi_1", 100, "", "r1")
	_, _ = g.Refund(ctx, "pi_1", 100, "", "r2")

	calls := sb.Calls(OpRefund)
	_, err := g.Refund(ctx, "pi_1", 100, "", "r3")
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, ledger.ErrGatewayUnavailable) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if !IsNotAttempted(err) {
		t.Error("open circuit rejection should be marked not attempted")
	}
	if sb.Calls(OpRefund) != calls {
		t.Error("open circuit must not reach the processor")
	}
	if !g.Breaker().Allow(OpTransfer) {
		t.Error("transfer breaker is independent of refund")
	}
}
