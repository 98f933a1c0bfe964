package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"agentmarket/internal/domain"
)

// Ledger moves value between accounts. Every movement is a debit plus a
// credit plus an append-only transfer row, all inside the caller's
// transaction, so a funds move can never outlive or precede the state
// change it belongs to.
type Ledger struct {
	DB *sql.DB
}

// EscrowAccount is the holding account for a job's funded amount.
func EscrowAccount(jobID int64) string {
	return fmt.Sprintf("escrow:job:%d", jobID)
}

// ChallengeEscrowAccount holds a challenge's stake until resolution.
func ChallengeEscrowAccount(challengeID int64) string {
	return fmt.Sprintf("escrow:challenge:%d", challengeID)
}

// StakeAccount pools arbitrator or validator stake.
func StakeAccount(role string) string {
	return "stake:" + role
}

// EnsureAccountTx creates the account row if missing.
func (l Ledger) EnsureAccountTx(ctx context.Context, tx *sql.Tx, account, now string) error {
	if account == "" {
		return fmt.Errorf("account required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(account, created_at) VALUES (?,?)`, account, now)
	return err
}

// BalanceTx reads an account balance inside a transaction.
func (l Ledger) BalanceTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Balance reads an account balance outside a transaction.
func (l Ledger) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// TransferTx moves amount from one account to another. The debit fails with
// InsufficientFundsError when the source balance does not cover the amount.
func (l Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount int64, memo, now string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	if from == to {
		return fmt.Errorf("transfer source and destination are identical")
	}
	if err := l.EnsureAccountTx(ctx, tx, from, now); err != nil {
		return err
	}
	if err := l.EnsureAccountTx(ctx, tx, to, now); err != nil {
		return err
	}
	have, err := l.BalanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if have < amount {
		return domain.InsufficientFundsError{Need: amount, Have: have}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE account=?`, amount, from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance+? WHERE account=?`, amount, to); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transfers(from_account,to_account,amount,memo,created_at) VALUES (?,?,?,?,?)`,
		from, to, amount, nullable(memo), now)
	return err
}

// MintTx credits an account without a debit. Dev and test faucet only.
func (l Ledger) MintTx(ctx context.Context, tx *sql.Tx, to string, amount int64, memo, now string) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	if err := l.EnsureAccountTx(ctx, tx, to, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance+? WHERE account=?`, amount, to); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transfers(from_account,to_account,amount,memo,created_at) VALUES (?,?,?,?,?)`,
		"faucet", to, amount, nullable(memo), now)
	return err
}

// ListTransfers returns transfers touching the account, newest first.
func (l Ledger) ListTransfers(ctx context.Context, account string, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,from_account,to_account,amount,COALESCE(memo,''),created_at
FROM transfers WHERE from_account=? OR to_account=? ORDER BY id DESC LIMIT ?`, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Memo, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
