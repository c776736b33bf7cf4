package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/settlement/internal/pagination"
)

// PostgresStore persists settlement state in PostgreSQL.
// InOrderTx takes a row lock on the order, which serializes every writer
// touching that order's escrow, disputes and refund attempts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// DB exposes the handle for health checks and stats collection.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) InOrderTx(ctx context.Context, orderID string, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	var locked string
	err = sqlTx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: sqlTx, orderID: orderID}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order, first *StatusChange) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, store_id, seller_id, recipient_code,
			status, payment_method, settlement_mode, payment_status, payment_id,
			total_amount, currency, refund_amount, stock_reserved,
			delivered_at, completed_at, cancelled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		o.ID, o.BuyerID, o.StoreID, o.SellerID, nullString(o.RecipientCode),
		string(o.Status), string(o.PaymentMethod), string(o.SettlementMode), string(o.PaymentStatus), nullString(o.PaymentID),
		o.TotalAmount, o.Currency, o.RefundAmount, o.StockReserved,
		nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range o.Items {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, i, item.ProductID, item.Quantity, item.UnitPrice,
		); err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}

	if first != nil {
		if err := insertStatusChange(ctx, sqlTx, first); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, p.db, id)
}

func (p *PostgresStore) ListHistory(ctx context.Context, orderID string) ([]*StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, changed_by, reason, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*StatusChange
	for rows.Next() {
		var (
			c            StatusChange
			oldSt, newSt string
			reason       sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &oldSt, &newSt, &c.ChangedBy, &reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.OldStatus = OrderStatus(oldSt)
		c.NewStatus = OrderStatus(newSt)
		c.Reason = reason.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return scanOneEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return scanOneEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE release_status = 'PENDING'
		  AND frozen = FALSE
		  AND inflight_kind IS NULL
		  AND release_date IS NOT NULL
		  AND release_date <= $1
		ORDER BY release_date
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListEscrowsByStatus(ctx context.Context, status ReleaseStatus, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE release_status = $1
			ORDER BY created_at, id
			LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE release_status = $1
			  AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, string(status), after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListInFlightEscrows(ctx context.Context, startedBefore time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE inflight_kind IS NOT NULL
		  AND inflight_started < $1
		ORDER BY inflight_started
		LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRefundAttempts(ctx context.Context, orderID string) ([]*RefundAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, escrow_id, payment_id, amount, reference,
		       gateway_ref, status, error_message, attempted_at
		FROM refund_attempts
		WHERE order_id = $1
		ORDER BY attempted_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundAttempt
	for rows.Next() {
		var (
			a                  RefundAttempt
			status             string
			gatewayRef, errMsg sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.OrderID, &a.EscrowID, &a.PaymentID, &a.Amount, &a.Reference,
			&gatewayRef, &status, &errMsg, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.Status = AttemptStatus(status)
		a.GatewayRef = gatewayRef.String
		a.ErrorMessage = errMsg.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// pgTx is the Tx implementation bound to one locked order row.
type pgTx struct {
	ctx     context.Context
	tx      *sql.Tx
	orderID string
}

func (t *pgTx) Order() (*Order, error) {
	return getOrder(t.ctx, t.tx, t.orderID)
}

func (t *pgTx) SaveOrder(o *Order) error {
	if o.ID != t.orderID {
		return fmt.Errorf("order %s outside transaction scope %s", o.ID, t.orderID)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE orders SET
			status = $1, payment_status = $2, payment_id = $3, refund_amount = $4,
			stock_reserved = $5, delivered_at = $6, completed_at = $7, cancelled_at = $8,
			updated_at = $9
		WHERE id = $10`,
		string(o.Status), string(o.PaymentStatus), nullString(o.PaymentID), o.RefundAmount,
		o.StockReserved, nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.UpdatedAt, o.ID,
	)
	return err
}

func (t *pgTx) AppendStatusChange(c *StatusChange) error {
	return insertStatusChange(t.ctx, t.tx, c)
}

func (t *pgTx) Escrow() (*Escrow, error) {
	return scanOneEscrow(t.tx.QueryRowContext(t.ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, t.orderID))
}

func (t *pgTx) InsertEscrow(e *Escrow) error {
	kind, ref, amount, reason, started := inFlightArgs(e.InFlight)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO escrows (
			id, order_id, payment_id, amount_held, currency, release_status, release_date, frozen,
			inflight_kind, inflight_reference, inflight_amount, inflight_reason, inflight_started,
			transfer_attempts, transfer_ref, failure_reason, released_at, refunded_at,
			created_at, updated_at, refund_declines
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		e.ID, e.OrderID, e.PaymentID, e.AmountHeld, e.Currency, string(e.ReleaseStatus), nullTime(e.ReleaseDate), e.Frozen,
		kind, ref, amount, reason, started,
		e.TransferAttempts, nullString(e.TransferRef), nullString(e.FailureReason), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		e.CreatedAt, e.UpdatedAt, e.RefundDeclines,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) SaveEscrow(e *Escrow) error {
	kind, ref, amount, reason, started := inFlightArgs(e.InFlight)
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE escrows SET
			amount_held = $1, release_status = $2, release_date = $3, frozen = $4,
			inflight_kind = $5, inflight_reference = $6, inflight_amount = $7,
			inflight_reason = $8, inflight_started = $9,
			transfer_attempts = $10, transfer_ref = $11, failure_reason = $12,
			released_at = $13, refunded_at = $14, updated_at = $15, refund_declines = $16
		WHERE id = $17 AND order_id = $18`,
		e.AmountHeld, string(e.ReleaseStatus), nullTime(e.ReleaseDate), e.Frozen,
		kind, ref, amount, reason, started,
		e.TransferAttempts, nullString(e.TransferRef), nullString(e.FailureReason),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.UpdatedAt, e.RefundDeclines,
		e.ID, t.orderID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (t *pgTx) PendingDispute() (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(t.ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 AND status = 'PENDING'`, t.orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) Dispute(id string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(t.ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 AND order_id = $2`, id, t.orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) InsertDispute(d *Dispute) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO disputes (
			id, order_id, buyer_id, seller_id, opened_by, type, description, status,
			resolution, resolved_amount, requires_manual_intervention, resolved_by,
			created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.OrderID, d.BuyerID, d.SellerID, d.OpenedBy, string(d.Type), d.Description, string(d.Status),
		nullString(d.Resolution), nullInt64(d.ResolvedAmount), d.RequiresManualIntervention, nullString(d.ResolvedBy),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyDisputed
	}
	return err
}

func (t *pgTx) SaveDispute(d *Dispute) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolved_amount = $3,
			requires_manual_intervention = $4, resolved_by = $5,
			updated_at = $6, resolved_at = $7
		WHERE id = $8 AND order_id = $9`,
		string(d.Status), nullString(d.Resolution), nullInt64(d.ResolvedAmount),
		d.RequiresManualIntervention, nullString(d.ResolvedBy),
		d.UpdatedAt, nullTime(d.ResolvedAt),
		d.ID, t.orderID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (t *pgTx) AppendRefundAttempt(a *RefundAttempt) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO refund_attempts (
			id, order_id, escrow_id, payment_id, amount, reference,
			gateway_ref, status, error_message, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OrderID, a.EscrowID, a.PaymentID, a.Amount, a.Reference,
		nullString(a.GatewayRef), string(a.Status), nullString(a.ErrorMessage), a.AttemptedAt,
	)
	return err
}

// --- shared helpers ---

const orderColumns = `id, buyer_id, store_id, seller_id, recipient_code,
		       status, payment_method, settlement_mode, payment_status, payment_id,
		       total_amount, currency, refund_amount, stock_reserved,
		       delivered_at, completed_at, cancelled_at, created_at, updated_at`

func getOrder(ctx context.Context, q queryer, id string) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func scanOrder(sc scanner) (*Order, error) {
	var (
		o                                     Order
		recipient, paymentID                  sql.NullString
		status, method, mode, payStatus       string
		deliveredAt, completedAt, cancelledAt sql.NullTime
	)
	err := sc.Scan(
		&o.ID, &o.BuyerID, &o.StoreID, &o.SellerID, &recipient,
		&status, &method, &mode, &payStatus, &paymentID,
		&o.TotalAmount, &o.Currency, &o.RefundAmount, &o.StockReserved,
		&deliveredAt, &completedAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.RecipientCode = recipient.String
	o.PaymentID = paymentID.String
	o.Status = OrderStatus(status)
	o.PaymentMethod = PaymentMethod(method)
	o.SettlementMode = SettlementMode(mode)
	o.PaymentStatus = PaymentStatus(payStatus)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	return &o, nil
}

func insertStatusChange(ctx context.Context, q queryer, c *StatusChange) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO order_status_history (order_id, old_status, new_status, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		c.OrderID, string(c.OldStatus), string(c.NewStatus), c.ChangedBy, nullString(c.Reason), c.CreatedAt,
	).Scan(&c.ID)
}

const escrowColumns = `id, order_id, payment_id, amount_held, currency, release_status, release_date, frozen,
		       inflight_kind, inflight_reference, inflight_amount, inflight_reason, inflight_started,
		       transfer_attempts, transfer_ref, failure_reason, released_at, refunded_at,
		       created_at, updated_at, refund_declines`

func scanOneEscrow(sc scanner) (*Escrow, error) {
	e, err := scanEscrow(sc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func scanEscrow(sc scanner) (*Escrow, error) {
	var (
		e                                 Escrow
		status                            string
		releaseDate, releasedAt, refunded sql.NullTime
		kind, ref, reason                 sql.NullString
		amount                            sql.NullInt64
		started                           sql.NullTime
		transferRef, failure              sql.NullString
	)
	err := sc.Scan(
		&e.ID, &e.OrderID, &e.PaymentID, &e.AmountHeld, &e.Currency, &status, &releaseDate, &e.Frozen,
		&kind, &ref, &amount, &reason, &started,
		&e.TransferAttempts, &transferRef, &failure, &releasedAt, &refunded,
		&e.CreatedAt, &e.UpdatedAt, &e.RefundDeclines,
	)
	if err != nil {
		return nil, err
	}
	e.ReleaseStatus = ReleaseStatus(status)
	e.ReleaseDate = timePtr(releaseDate)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refunded)
	e.TransferRef = transferRef.String
	e.FailureReason = failure.String
	if kind.Valid {
		e.InFlight = &InFlight{
			Kind:      SettlementKind(kind.String),
			Reference: ref.String,
			Amount:    amount.Int64,
			Reason:    reason.String,
			StartedAt: started.Time,
		}
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func inFlightArgs(f *InFlight) (kind, ref sql.NullString, amount sql.NullInt64, reason sql.NullString, started sql.NullTime) {
	if f == nil {
		return
	}
	return nullString(string(f.Kind)), nullString(f.Reference),
		sql.NullInt64{Int64: f.Amount, Valid: true},
		nullString(f.Reason),
		sql.NullTime{Time: f.StartedAt, Valid: true}
}

const disputeColumns = `id, order_id, buyer_id, seller_id, opened_by, type, description, status,
		       resolution, resolved_amount, requires_manual_intervention, resolved_by,
		       created_at, updated_at, resolved_at`

func scanDispute(sc scanner) (*Dispute, error) {
	var (
		d                      Dispute
		typ, status            string
		resolution, resolvedBy sql.NullString
		amount                 sql.NullInt64
		resolvedAt             sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.OrderID, &d.BuyerID, &d.SellerID, &d.OpenedBy, &typ, &d.Description, &status,
		&resolution, &amount, &d.RequiresManualIntervention, &resolvedBy,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Type = DisputeType(typ)
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if amount.Valid {
		v := amount.Int64
		d.ResolvedAmount = &v
	}
	d.ResolvedAt = timePtr(resolvedAt)
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
