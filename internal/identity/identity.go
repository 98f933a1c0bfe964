package identity

import (
	"context"
	"database/sql"
	"time"
)

// Profile is what the identity/stake oracle reports for an account.
type Profile struct {
	Tier         int
	SystemStake  int64
	RegisteredAt time.Time
}

// Oracle reports an account's verification tier and non-slashable system
// stake. The engines depend on this interface, never on the backing store,
// so tests can substitute a fixed fake.
type Oracle interface {
	Profile(ctx context.Context, account string) (Profile, error)
}

// Store is the SQL-backed oracle reading the accounts table.
type Store struct {
	DB *sql.DB
}

func (s Store) Profile(ctx context.Context, account string) (Profile, error) {
	var p Profile
	var createdAt string
	err := s.DB.QueryRowContext(ctx, `SELECT kyc_tier, system_stake, created_at FROM accounts WHERE account=?`, account).
		Scan(&p.Tier, &p.SystemStake, &createdAt)
	if err == sql.ErrNoRows {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	if ts, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		p.RegisteredAt = ts
	}
	return p, nil
}

// SetTier records a verification tier for an account.
func (s Store) SetTier(ctx context.Context, tx *sql.Tx, account string, tier int) error {
	_, err := tx.ExecContext(ctx, `UPDATE accounts SET kyc_tier=? WHERE account=?`, tier, account)
	return err
}

// SetSystemStake records the system-level stake the oracle reports.
func (s Store) SetSystemStake(ctx context.Context, tx *sql.Tx, account string, stake int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE accounts SET system_stake=? WHERE account=?`, stake, account)
	return err
}

// Fixed is a constant oracle for tests.
type Fixed struct {
	Profiles map[string]Profile
}

func (f Fixed) Profile(_ context.Context, account string) (Profile, error) {
	return f.Profiles[account], nil
}
