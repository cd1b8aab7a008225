package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. The duplicate-purchase invariant
// is held both by the conditional UPDATE in TryConfirm and by a partial
// unique index on (organisation_id, package_id) where status='succeeded'.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Purchases(context.Context) PurchaseStore         { return &pgPurchases{db: s.db} }
func (s *PGStore) WebhookEvents(context.Context) WebhookEventStore { return &pgEvents{db: s.db} }

type pgPurchases struct{ db *sql.DB }

const purchaseColumns = `id, organisation_id, user_id, package_id, status, coalesce(payment_intent_id,''), amount_cents, currency, created_at, confirmed_at`

func (s *pgPurchases) Create(ctx context.Context, p *Purchase) error {
	_, err := s.db.ExecContext(ctx,
		`insert into purchases(id, organisation_id, user_id, package_id, status, payment_intent_id, amount_cents, currency)
		 values($1,$2,$3,$4,$5,nullif($6,''),$7,$8)`,
		p.ID, p.OrganisationID, p.UserID, p.PackageID, string(p.Status), p.PaymentIntentID, p.AmountCents, p.Currency,
	)
	return err
}

func scanPurchase(row interface{ Scan(...any) error }) (*Purchase, error) {
	var (
		p      Purchase
		status string
	)
	err := row.Scan(&p.ID, &p.OrganisationID, &p.UserID, &p.PackageID, &status,
		&p.PaymentIntentID, &p.AmountCents, &p.Currency, &p.CreatedAt, &p.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = PurchaseStatus(status)
	return &p, nil
}

func (s *pgPurchases) Find(ctx context.Context, id string) (*Purchase, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`select `+purchaseColumns+` from purchases where id=$1`, id))
}

func (s *pgPurchases) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*Purchase, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`select `+purchaseColumns+` from purchases where payment_intent_id=$1`, paymentIntentID))
}

func (s *pgPurchases) ListByOrganisation(ctx context.Context, orgID string) ([]*Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+purchaseColumns+` from purchases where organisation_id=$1 order by created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgPurchases) HasSucceeded(ctx context.Context, orgID, packageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(
			select 1 from purchases
			where organisation_id=$1 and package_id=$2 and status='succeeded'
		)`, orgID, packageID).Scan(&exists)
	return exists, err
}

func (s *pgPurchases) TryConfirm(ctx context.Context, id, paymentIntentID string, now time.Time) (ConfirmOutcome, error) {
	res, err := s.db.ExecContext(ctx, `
		update purchases p
		set status='succeeded',
		    confirmed_at=$2,
		    payment_intent_id=coalesce(nullif($3,''), p.payment_intent_id)
		where p.id=$1
		  and p.status='requires_confirmation'
		  and not exists (
			select 1 from purchases q
			where q.organisation_id=p.organisation_id
			  and q.package_id=p.package_id
			  and q.status='succeeded'
			  and q.id<>p.id
		  )
	`, id, now.UTC(), paymentIntentID)
	if err != nil {
		if isUniqueViolation(err) {
			return ConfirmDuplicate, nil
		}
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 1 {
		return ConfirmOK, nil
	}

	// The conditional update did not apply; diagnose why.
	var status string
	err = s.db.QueryRowContext(ctx, `select status from purchases where id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfirmNotFound, nil
	}
	if err != nil {
		return 0, err
	}
	switch PurchaseStatus(status) {
	case PurchaseSucceeded:
		return ConfirmAlreadySucceeded, nil
	case PurchaseRequiresConfirmation:
		return ConfirmDuplicate, nil
	default:
		return ConfirmInvalidState, nil
	}
}

func (s *pgPurchases) TryFail(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update purchases set status='failed' where id=$1 and status='requires_confirmation'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type pgEvents struct{ db *sql.DB }

func (s *pgEvents) RecordIfNew(ctx context.Context, externalEventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into webhook_events(external_event_id) values($1) on conflict do nothing`,
		externalEventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
