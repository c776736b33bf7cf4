package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/traces"
)

// ErrCircuitOpen is returned, wrapped by NotAttempted, while the breaker for
// an operation is open.
var ErrCircuitOpen = errors.New("circuit open")

// Guarded decorates a Gateway with a hard per-call timeout, a circuit
// breaker per operation, latency metrics and a span per call.
// Only unknown outcomes count as breaker failures; a declined refund says
// nothing about the processor's health.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuarded wraps next. A zero timeout means 30s.
func NewGuarded(next Gateway, breaker *circuitbreaker.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout}
}

var _ Gateway = (*Guarded)(nil)

// Breaker exposes the breaker for health checks.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) Transfer(ctx context.Context, recipientCode string, amountMinor int64, currency, reference string) (TransferResult, error) {
	var res TransferResult
	err := g.call(ctx, OpTransfer, reference, amountMinor, func(ctx context.Context) error {
		var err error
		res, err = g.next.Transfer(ctx, recipientCode, amountMinor, currency, reference)
		return err
	})
	return res, err
}

func (g *Guarded) Refund(ctx context.Context, transactionRef string, amountMinor int64, reason, reference string) (RefundResult, error) {
	var res RefundResult
	err := g.call(ctx, OpRefund, reference, amountMinor, func(ctx context.Context) error {
		var err error
		res, err = g.next.Refund(ctx, transactionRef, amountMinor, reason, reference)
		return err
	})
	return res, err
}

func (g *Guarded) VerifyTransfer(ctx context.Context, reference string) (TransferResult, error) {
	var res TransferResult
	err := g.call(ctx, OpVerify, reference, 0, func(ctx context.Context) error {
		var err error
		res, err = g.next.VerifyTransfer(ctx, reference)
		return err
	})
	return res, err
}

func (g *Guarded) call(ctx context.Context, op, reference string, amount int64, fn func(context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Reference(reference), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	if g.breaker != nil && !g.breaker.Allow(op) {
		metrics.GatewayCallDuration.WithLabelValues(op, "rejected").Observe(0)
		return NotAttempted(op, ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx)
	if err != nil && callCtx.Err() != nil && !errors.Is(err, ledger.ErrGatewayUnavailable) {
		// Whatever the client returned after our deadline fired, the outcome is unknown.
		err = Unavailable(op, err)
	}

	outcome := "ok"
	switch {
	case err == nil:
		if g.breaker != nil {
			g.breaker.RecordSuccess(op)
		}
	case IsUnavailable(err):
		outcome = "unavailable"
		if g.breaker != nil {
			g.breaker.RecordFailure(op)
		}
	default:
		outcome = "declined"
		if g.breaker != nil {
			g.breaker.RecordSuccess(op)
		}
	}
	metrics.GatewayCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	return err
}
