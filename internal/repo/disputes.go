package repo

import (
	"context"
	"database/sql"

	"agentmarket/internal/domain"
)

const disputeColumns = `id,job_id,raised_by,reason,evidence_uri,resolution,resolver,client_amount,agent_amount,resolution_notes,created_at,resolved_at`

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO disputes(job_id,raised_by,reason,evidence_uri,resolution,resolver,client_amount,agent_amount,resolution_notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.JobID, d.RaisedBy, d.Reason, nullableStringPtr(d.EvidenceURI), d.Resolution, nullableStringPtr(d.Resolver),
		d.ClientAmount, d.AgentAmount, nullable(d.ResolutionNotes), d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ResolveDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET resolution=?, resolver=?, client_amount=?, agent_amount=?, resolution_notes=?, resolved_at=? WHERE id=?`,
		d.Resolution, nullableStringPtr(d.Resolver), d.ClientAmount, d.AgentAmount, nullable(d.ResolutionNotes), nullableStringPtr(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDispute(scan func(dest ...any) error) (domain.Dispute, error) {
	var d domain.Dispute
	var evidence, resolver, notes, resolvedAt sql.NullString
	err := scan(&d.ID, &d.JobID, &d.RaisedBy, &d.Reason, &evidence, &d.Resolution, &resolver,
		&d.ClientAmount, &d.AgentAmount, &notes, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if evidence.Valid {
		d.EvidenceURI = &evidence.String
	}
	if resolver.Valid {
		d.Resolver = &resolver.String
	}
	if notes.Valid {
		d.ResolutionNotes = notes.String
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.String
	}
	return d, nil
}

func (r Repo) GetDispute(ctx context.Context, id int64) (domain.Dispute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id)
	return scanDispute(row.Scan)
}

// PendingDisputeForJobTx returns the unresolved dispute on a job, if any.
func (r Repo) PendingDisputeForJobTx(ctx context.Context, tx *sql.Tx, jobID int64) (domain.Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id=? AND resolution=''`, jobID)
	return scanDispute(row.Scan)
}

func (r Repo) ListDisputes(ctx context.Context, jobID int64) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id=? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- arbitrators ---

const arbitratorColumns = `account,fee_bp,stake,active,total_cases,successful_cases,created_at`

func (r Repo) InsertArbitrator(ctx context.Context, tx *sql.Tx, a domain.Arbitrator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO arbitrators(account,fee_bp,stake,active,total_cases,successful_cases,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.Account, a.FeeBP, a.Stake, a.Active, a.TotalCases, a.SuccessfulCases, a.CreatedAt)
	return err
}

func (r Repo) UpdateArbitrator(ctx context.Context, tx *sql.Tx, a domain.Arbitrator) error {
	res, err := tx.ExecContext(ctx, `UPDATE arbitrators SET fee_bp=?, stake=?, active=?, total_cases=?, successful_cases=? WHERE account=?`,
		a.FeeBP, a.Stake, a.Active, a.TotalCases, a.SuccessfulCases, a.Account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArbitrator(scan func(dest ...any) error) (domain.Arbitrator, error) {
	var a domain.Arbitrator
	err := scan(&a.Account, &a.FeeBP, &a.Stake, &a.Active, &a.TotalCases, &a.SuccessfulCases, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetArbitrator(ctx context.Context, account string) (domain.Arbitrator, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+arbitratorColumns+` FROM arbitrators WHERE account=?`, account)
	return scanArbitrator(row.Scan)
}

func (r Repo) GetArbitratorTx(ctx context.Context, tx *sql.Tx, account string) (domain.Arbitrator, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+arbitratorColumns+` FROM arbitrators WHERE account=?`, account)
	return scanArbitrator(row.Scan)
}

func (r Repo) ListArbitrators(ctx context.Context, activeOnly bool) ([]domain.Arbitrator, error) {
	query := `SELECT ` + arbitratorColumns + ` FROM arbitrators`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY account ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Arbitrator
	for rows.Next() {
		a, err := scanArbitrator(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
