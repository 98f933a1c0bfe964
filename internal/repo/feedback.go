package repo

import (
	"context"
	"database/sql"

	"agentmarket/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO feedback(job_id,agent,reviewer,score,comment,created_at) VALUES (?,?,?,?,?,?)`,
		f.JobID, f.Agent, f.Reviewer, f.Score, nullable(f.Comment), f.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListFeedback(ctx context.Context, agent string, limit int) ([]domain.Feedback, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,agent,reviewer,score,COALESCE(comment,''),created_at FROM feedback WHERE agent=? ORDER BY id DESC LIMIT ?`, agent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		if err := rows.Scan(&f.ID, &f.JobID, &f.Agent, &f.Reviewer, &f.Score, &f.Comment, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// FeedbackWithReviewerTier joins each feedback row with the reviewer's
// current verification tier for trust scoring.
func (r Repo) FeedbackWithReviewerTier(ctx context.Context, agent string) ([]struct {
	Score        int64
	ReviewerTier int
}, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.score, COALESCE(a.kyc_tier, 0)
FROM feedback f LEFT JOIN accounts a ON a.account = f.reviewer
WHERE f.agent=? ORDER BY f.id ASC`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []struct {
		Score        int64
		ReviewerTier int
	}
	for rows.Next() {
		var row struct {
			Score        int64
			ReviewerTier int
		}
		if err := rows.Scan(&row.Score, &row.ReviewerTier); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}
