package repo

import (
	"context"
	"database/sql"

	"casebridge/internal/domain"
)

const commitmentCols = `id,project_id,task_id,organization_id,COALESCE(description,'') AS description,status,created_at,updated_at,done_at`

func scanCommitment(scan func(...any) error) (domain.Commitment, error) {
	var c domain.Commitment
	var doneAt sql.NullString
	err := scan(&c.ID, &c.ProjectID, &c.TaskID, &c.OrganizationID, &c.Description, &c.Status, &c.CreatedAt, &c.UpdatedAt, &doneAt)
	if doneAt.Valid {
		c.DoneAt = &doneAt.String
	}
	return c, err
}

func (r Repo) InsertCommitment(ctx context.Context, c domain.Commitment) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO commitments(project_id,task_id,organization_id,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ProjectID, c.TaskID, c.OrganizationID, nullable(c.Description), c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCommitment(ctx context.Context, id int64) (domain.Commitment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE id=?`, id)
	c, err := scanCommitment(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCommitmentsByProject(ctx context.Context, projectID int64) ([]domain.Commitment, error) {
	return r.listCommitments(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
}

func (r Repo) ListCommitmentsByTask(ctx context.Context, projectID int64, taskID string) ([]domain.Commitment, error) {
	return r.listCommitments(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE project_id=? AND task_id=? ORDER BY created_at ASC, id ASC`, projectID, taskID)
}

func (r Repo) listCommitments(ctx context.Context, query string, args ...any) ([]domain.Commitment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkCommitmentDoneAt stamps the done marker on an assigned commitment.
// Zero rows means the commitment is missing, unassigned, or already done.
func (r Repo) MarkCommitmentDoneAt(ctx context.Context, id int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE commitments SET done_at=?, updated_at=? WHERE id=? AND status=? AND done_at IS NULL`,
		now, now, id, domain.CommitmentAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetCommitmentStatus advances a commitment only from the expected status.
func (r Repo) SetCommitmentStatus(ctx context.Context, id int64, from, to, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE commitments SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
