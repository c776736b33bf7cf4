package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/mbd888/settlement/internal/idgen"
)

// Sandbox is an in-memory processor for development mode and tests.
// It honours references as idempotency keys and lets tests inject faults.
type Sandbox struct {
	mu        sync.Mutex
	transfers map[string]*SandboxTransfer
	refunds   map[string]*SandboxRefund
	calls     map[string]int
	faults    map[string][]fault
	onCall    func(op, reference string)
}

// SandboxTransfer is a payout recorded by the sandbox.
type SandboxTransfer struct {
	Reference     string
	GatewayRef    string
	RecipientCode string
	Amount        int64
	Currency      string
}

// SandboxRefund is a refund recorded by the sandbox.
type SandboxRefund struct {
	Reference      string
	GatewayRef     string
	TransactionRef string
	Amount         int64
	Reason         string
}

type fault struct {
	err         error
	afterCommit bool
}

// NewSandbox creates an empty sandbox processor.
func NewSandbox() *Sandbox {
	return &Sandbox{
		transfers: make(map[string]*SandboxTransfer),
		refunds:   make(map[string]*SandboxRefund),
		calls:     make(map[string]int),
		faults:    make(map[string][]fault),
	}
}

var _ Gateway = (*Sandbox)(nil)

// FailNext makes the next call for op fail with err without moving money.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], fault{err: err})
	s.mu.Unlock()
}

// LoseNextResponse makes the next call for op move money and then report an
// unknown outcome, as a timeout after the processor committed would.
func (s *Sandbox) LoseNextResponse(op string) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], fault{err: errors.New("response lost"), afterCommit: true})
	s.mu.Unlock()
}

// OnCall registers fn to run at the start of every call, outside the lock.
// Tests use it to block a call mid-flight.
func (s *Sandbox) OnCall(fn func(op, reference string)) {
	s.mu.Lock()
	s.onCall = fn
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Transfers returns every distinct payout made.
func (s *Sandbox) Transfers() []SandboxTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SandboxTransfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, *t)
	}
	return out
}

// RefundedTotal sums distinct refunds made against transactionRef.
func (s *Sandbox) RefundedTotal(transactionRef string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, r := range s.refunds {
		if r.TransactionRef == transactionRef {
			total += r.Amount
		}
	}
	return total
}

func (s *Sandbox) Transfer(ctx context.Context, recipientCode string, amountMinor int64, currency, reference string) (TransferResult, error) {
	f, err := s.begin(ctx, OpTransfer, reference)
	if err != nil {
		return TransferResult{}, err
	}
	if f != nil && !f.afterCommit {
		return TransferResult{}, f.err
	}
	if recipientCode == "" {
		return TransferResult{}, Declined(OpTransfer, "no destination account")
	}

	s.mu.Lock()
	t, ok := s.transfers[reference]
	if !ok {
		t = &SandboxTransfer{
			Reference:     reference,
			GatewayRef:    idgen.WithPrefix("tr_"),
			RecipientCode: recipientCode,
			Amount:        amountMinor,
			Currency:      currency,
		}
		s.transfers[reference] = t
	}
	result := TransferResult{Reference: reference, GatewayRef: t.GatewayRef, Status: TransferSucceeded}
	s.mu.Unlock()

	if f != nil {
		return TransferResult{}, Unavailable(OpTransfer, f.err)
	}
	return result, nil
}

func (s *Sandbox) Refund(ctx context.Context, transactionRef string, amountMinor int64, reason, reference string) (RefundResult, error) {
	f, err := s.begin(ctx, OpRefund, reference)
	if err != nil {
		return RefundResult{}, err
	}
	if f != nil && !f.afterCommit {
		return RefundResult{}, f.err
	}
	if transactionRef == "" {
		return RefundResult{}, Declined(OpRefund, "no charge to refund")
	}

	s.mu.Lock()
	r, ok := s.refunds[reference]
	if !ok {
		r = &SandboxRefund{
			Reference:      reference,
			GatewayRef:     idgen.WithPrefix("re_"),
			TransactionRef: transactionRef,
			Amount:         amountMinor,
			Reason:         reason,
		}
		s.refunds[reference] = r
	}
	result := RefundResult{Reference: reference, GatewayRef: r.GatewayRef}
	s.mu.Unlock()

	if f != nil {
		return RefundResult{}, Unavailable(OpRefund, f.err)
	}
	return result, nil
}

func (s *Sandbox) VerifyTransfer(ctx context.Context, reference string) (TransferResult, error) {
	f, err := s.begin(ctx, OpVerify, reference)
	if err != nil {
		return TransferResult{}, err
	}
	if f != nil {
		return TransferResult{}, f.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[reference]; ok {
		return TransferResult{Reference: reference, GatewayRef: t.GatewayRef, Status: TransferSucceeded}, nil
	}
	return TransferResult{Reference: reference, Status: TransferNotFound}, nil
}

// begin counts the call, runs the hook and pops a queued fault.
func (s *Sandbox) begin(ctx context.Context, op, reference string) (*fault, error) {
	s.mu.Lock()
	s.calls[op]++
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(op, reference)
	}
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil, nil
	}
	f := queue[0]
	s.faults[op] = queue[1:]
	return &f, nil
}
