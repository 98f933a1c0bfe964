package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentmarket/internal/domain"
)

const validatorColumns = `account,method,specializations_json,stake,active,accuracy_bp,total_validations,incorrect_validations,pending_challenges,created_at`

func (r Repo) InsertValidator(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	specs, err := marshalStringSlice(v.Specializations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validators(account,method,specializations_json,stake,active,accuracy_bp,total_validations,incorrect_validations,pending_challenges,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.Account, v.Method, nullableStringPtr(specs), v.Stake, v.Active, v.AccuracyBP,
		v.TotalValidations, v.IncorrectValidations, v.PendingChallenges, v.CreatedAt)
	return err
}

func (r Repo) UpdateValidator(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	res, err := tx.ExecContext(ctx, `UPDATE validators SET stake=?, active=?, accuracy_bp=?, total_validations=?, incorrect_validations=?, pending_challenges=? WHERE account=?`,
		v.Stake, v.Active, v.AccuracyBP, v.TotalValidations, v.IncorrectValidations, v.PendingChallenges, v.Account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanValidator(scan func(dest ...any) error) (domain.Validator, error) {
	var v domain.Validator
	var specs sql.NullString
	err := scan(&v.Account, &v.Method, &specs, &v.Stake, &v.Active, &v.AccuracyBP,
		&v.TotalValidations, &v.IncorrectValidations, &v.PendingChallenges, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if specs.Valid && specs.String != "" {
		_ = json.Unmarshal([]byte(specs.String), &v.Specializations)
	}
	return v, nil
}

func (r Repo) GetValidator(ctx context.Context, account string) (domain.Validator, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validatorColumns+` FROM validators WHERE account=?`, account)
	return scanValidator(row.Scan)
}

func (r Repo) GetValidatorTx(ctx context.Context, tx *sql.Tx, account string) (domain.Validator, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+validatorColumns+` FROM validators WHERE account=?`, account)
	return scanValidator(row.Scan)
}

func (r Repo) ListValidators(ctx context.Context, activeOnly bool) ([]domain.Validator, error) {
	query := `SELECT ` + validatorColumns + ` FROM validators`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY account ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validator
	for rows.Next() {
		v, err := scanValidator(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- validations ---

const validationColumns = `id,validator,agent,job_hash,result,confidence,evidence_uri,challenged,created_at`

func (r Repo) InsertValidation(ctx context.Context, tx *sql.Tx, v domain.Validation) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO validations(validator,agent,job_hash,result,confidence,evidence_uri,challenged,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		v.Validator, v.Agent, v.JobHash, v.Result, v.Confidence, nullableStringPtr(v.EvidenceURI), v.Challenged, v.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) MarkValidationChallenged(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE validations SET challenged=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanValidation(scan func(dest ...any) error) (domain.Validation, error) {
	var v domain.Validation
	var evidence sql.NullString
	err := scan(&v.ID, &v.Validator, &v.Agent, &v.JobHash, &v.Result, &v.Confidence, &evidence, &v.Challenged, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if evidence.Valid {
		v.EvidenceURI = &evidence.String
	}
	return v, err
}

func (r Repo) GetValidation(ctx context.Context, id int64) (domain.Validation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id=?`, id)
	return scanValidation(row.Scan)
}

func (r Repo) GetValidationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Validation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id=?`, id)
	return scanValidation(row.Scan)
}

func (r Repo) ListValidations(ctx context.Context, validator, agent string, limit int) ([]domain.Validation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + validationColumns + ` FROM validations WHERE 1=1`
	var args []any
	if validator != "" {
		query += ` AND validator=?`
		args = append(args, validator)
	}
	if agent != "" {
		query += ` AND agent=?`
		args = append(args, agent)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validation
	for rows.Next() {
		v, err := scanValidation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- challenges ---

const challengeColumns = `id,validation_id,challenger,reason,evidence_uri,status,stake_amount,created_at,resolved_at`

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO challenges(validation_id,challenger,reason,evidence_uri,status,stake_amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ValidationID, c.Challenger, c.Reason, nullableStringPtr(c.EvidenceURI), c.Status, c.StakeAmount, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ResolveChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET status=?, resolved_at=? WHERE id=?`,
		c.Status, nullableStringPtr(c.ResolvedAt), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChallenge(scan func(dest ...any) error) (domain.Challenge, error) {
	var c domain.Challenge
	var evidence, resolvedAt sql.NullString
	err := scan(&c.ID, &c.ValidationID, &c.Challenger, &c.Reason, &evidence, &c.Status, &c.StakeAmount, &c.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if evidence.Valid {
		c.EvidenceURI = &evidence.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	return c, err
}

func (r Repo) GetChallenge(ctx context.Context, id int64) (domain.Challenge, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id)
	return scanChallenge(row.Scan)
}

func (r Repo) GetChallengeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Challenge, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id)
	return scanChallenge(row.Scan)
}

// --- unstake requests ---

const unstakeColumns = `id,account,role,amount,release_at,status,created_at`

func (r Repo) InsertUnstakeRequest(ctx context.Context, tx *sql.Tx, u domain.UnstakeRequest) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO unstake_requests(account,role,amount,release_at,status,created_at) VALUES (?,?,?,?,?,?)`,
		u.Account, u.Role, u.Amount, u.ReleaseAt, u.Status, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateUnstakeRequest(ctx context.Context, tx *sql.Tx, u domain.UnstakeRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE unstake_requests SET status=? WHERE id=?`, u.Status, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUnstake(scan func(dest ...any) error) (domain.UnstakeRequest, error) {
	var u domain.UnstakeRequest
	err := scan(&u.ID, &u.Account, &u.Role, &u.Amount, &u.ReleaseAt, &u.Status, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUnstakeRequestTx(ctx context.Context, tx *sql.Tx, id int64) (domain.UnstakeRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+unstakeColumns+` FROM unstake_requests WHERE id=?`, id)
	return scanUnstake(row.Scan)
}

// PendingUnstakeTx returns the pending unstake request for an account and
// role, if one exists.
func (r Repo) PendingUnstakeTx(ctx context.Context, tx *sql.Tx, account, role string) (domain.UnstakeRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+unstakeColumns+` FROM unstake_requests WHERE account=? AND role=? AND status=? ORDER BY id DESC LIMIT 1`,
		account, role, domain.UnstakePending)
	return scanUnstake(row.Scan)
}

// ListUnstakeRequests returns an account's unstake requests, all roles when
// role is empty.
func (r Repo) ListUnstakeRequests(ctx context.Context, account, role string) ([]domain.UnstakeRequest, error) {
	query := `SELECT ` + unstakeColumns + ` FROM unstake_requests WHERE account=?`
	args := []any{account}
	if role != "" {
		query += ` AND role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UnstakeRequest
	for rows.Next() {
		u, err := scanUnstake(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
