package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, owner_id, url, secret, kinds, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	kinds, err := json.Marshal(sub.Kinds)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, owner_id, url, secret, kinds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, kinds, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

// RecordResult updates delivery bookkeeping in one statement so concurrent
// deliveries to the same endpoint do not lose counts.
func (p *PostgresStore) RecordResult(ctx context.Context, id string, at time.Time, deliveryErr error) error {
	var res sql.Result
	var err error
	if deliveryErr == nil {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND consecutive_failures + 1 < $3
			WHERE id = $1`, id, deliveryErr.Error(), MaxConsecutiveFailures)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var kinds []byte
		var lastSuccess sql.NullTime
		var lastError sql.NullString

		if err := rows.Scan(
			&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &kinds,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(kinds, &sub.Kinds); err != nil {
			return nil, errors.Join(errors.New("decode webhook kinds"), err)
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
