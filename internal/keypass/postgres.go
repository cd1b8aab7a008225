package keypass

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. Claims ride a single conditional
// UPDATE, so concurrency control is the database's row lock.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const keypassColumns = `code, organisation_id, generated_by, status, expires_at, created_at, used_at, coalesce(used_by,'')`

func (s *PGStore) Create(ctx context.Context, kp *Keypass) error {
	_, err := s.db.ExecContext(ctx,
		`insert into keypasses(code, organisation_id, generated_by, status, expires_at)
		 values($1,$2,$3,$4,$5)`,
		kp.Code, kp.OrganisationID, kp.GeneratedBy, string(kp.Status), kp.ExpiresAt,
	)
	return err
}

func scanKeypass(row interface{ Scan(...any) error }) (*Keypass, error) {
	var (
		kp     Keypass
		status string
	)
	err := row.Scan(&kp.Code, &kp.OrganisationID, &kp.GeneratedBy, &status,
		&kp.ExpiresAt, &kp.CreatedAt, &kp.UsedAt, &kp.UsedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	kp.Status = Status(status)
	return &kp, nil
}

func (s *PGStore) Find(ctx context.Context, code string) (*Keypass, error) {
	return scanKeypass(s.db.QueryRowContext(ctx,
		`select `+keypassColumns+` from keypasses where code=$1`, code))
}

func (s *PGStore) ListByOrganisation(ctx context.Context, orgID string) ([]*Keypass, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+keypassColumns+` from keypasses where organisation_id=$1 order by created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Keypass
	for rows.Next() {
		kp, err := scanKeypass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

func (s *PGStore) TryClaim(ctx context.Context, code string, now time.Time) (ClaimOutcome, *Keypass, error) {
	row := s.db.QueryRowContext(ctx, `
		update keypasses
		set status='used', used_at=$2
		where code=$1 and status='available' and expires_at >= $2
		returning `+keypassColumns,
		code, now.UTC())
	kp, err := scanKeypass(row)
	if err == nil {
		return ClaimOK, kp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, nil, err
	}

	// The conditional update did not apply; fetch the row to diagnose why.
	kp, err = s.Find(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return ClaimNotFound, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	switch {
	case kp.Status == StatusUsed:
		return ClaimNotAvailable, kp, nil
	case kp.Status == StatusRevoked:
		return ClaimRevoked, kp, nil
	default:
		return ClaimExpired, kp, nil
	}
}

func (s *PGStore) SetClaimant(ctx context.Context, code, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update keypasses set used_by=$2 where code=$1`, code, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) TryRevoke(ctx context.Context, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update keypasses set status='revoked' where code=$1 and status='available'`, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PGStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from keypasses where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
