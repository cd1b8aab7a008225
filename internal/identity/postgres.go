package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Refresh- and reset-token
// consumption map onto single DELETE ... RETURNING statements, so the
// exactly-one-winner guarantee comes from the database itself.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &pgUsers{db: s.db} }
func (s *PGStore) Organisations(context.Context) OrganisationStore { return &pgOrgs{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgRefresh{db: s.db} }
func (s *PGStore) ResetTokens(context.Context) ResetTokenStore     { return &pgReset{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// User store ---------------------------------------------------------------
type pgUsers struct{ db *sql.DB }

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, organisation_id, email, name, password_hash, role)
		 values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.OrganisationID, u.Email, u.Name, u.PasswordHash, string(u.Role),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, organisation_id, email, name, password_hash, role, created_at, updated_at
		 from users where id=$1`, id))
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, organisation_id, email, name, password_hash, role, created_at, updated_at
		 from users where email=lower($1)`, email))
}

func (s *pgUsers) scanOne(row *sql.Row) (*User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.OrganisationID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (s *pgUsers) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Organisation store -------------------------------------------------------
type pgOrgs struct{ db *sql.DB }

func (s *pgOrgs) Create(ctx context.Context, org *Organisation) error {
	_, err := s.db.ExecContext(ctx,
		`insert into organisations(id, name) values($1,$2)`,
		org.ID, org.Name,
	)
	return err
}

func (s *pgOrgs) Find(ctx context.Context, id string) (*Organisation, error) {
	var org Organisation
	err := s.db.QueryRowContext(ctx,
		`select id, name, created_at from organisations where id=$1`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *pgOrgs) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from organisations where id=$1`, id)
	return err
}

// Refresh token store ------------------------------------------------------
type pgRefresh struct{ db *sql.DB }

func (s *pgRefresh) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, issued_at, expires_at)
		 values($1,$2,$3,$4,$5)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt,
	)
	return err
}

func (s *pgRefresh) Consume(ctx context.Context, id string) (*RefreshToken, error) {
	var tok RefreshToken
	err := s.db.QueryRowContext(ctx,
		`delete from refresh_tokens where id=$1
		 returning id, user_id, token_hash, issued_at, expires_at`, id,
	).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.IssuedAt, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *pgRefresh) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where id=$1`, id)
	return err
}

func (s *pgRefresh) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id=$1`, userID)
	return err
}

func (s *pgRefresh) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reset token store --------------------------------------------------------
type pgReset struct{ db *sql.DB }

func (s *pgReset) Create(ctx context.Context, tok *ResetToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into password_reset_tokens(token_hash, user_id, expires_at)
		 values($1,$2,$3)`,
		tok.TokenHash, tok.UserID, tok.ExpiresAt,
	)
	return err
}

func (s *pgReset) Consume(ctx context.Context, tokenHash string) (*ResetToken, error) {
	var tok ResetToken
	err := s.db.QueryRowContext(ctx,
		`delete from password_reset_tokens where token_hash=$1
		 returning token_hash, user_id, expires_at`, tokenHash,
	).Scan(&tok.TokenHash, &tok.UserID, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *pgReset) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from password_reset_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
