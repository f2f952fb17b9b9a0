package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"casebridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,name,COALESCE(description,'') AS description,COALESCE(start_date,'') AS start_date,COALESCE(end_date,'') AS end_date,status,external_case_id,created_by,created_at`

func scanProjectRow(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var caseID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.StartDate, &p.EndDate, &p.Status, &caseID, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if caseID.Valid {
		p.ExternalCaseID = &caseID.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,description,start_date,end_date,status,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.Name, nullable(p.Description), nullable(p.StartDate), nullable(p.EndDate), p.Status, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProjectRow(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProjectRow(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var caseID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.StartDate, &p.EndDate, &p.Status, &caseID, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		if caseID.Valid {
			p.ExternalCaseID = &caseID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectStatus advances the status only when the current value matches.
// Zero rows affected means the project is missing or not in the expected
// state; the caller disambiguates.
func (r Repo) SetProjectStatus(ctx context.Context, tx *sql.Tx, id int64, from, to string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetExternalCaseID records the case id at most once.
func (r Repo) SetExternalCaseID(ctx context.Context, id int64, caseID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET external_case_id=? WHERE id=? AND external_case_id IS NULL`, caseID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %d already has an external case", id)
	}
	return nil
}

const taskCols = `id,project_id,title,COALESCE(description,'') AS description,status,assignee,COALESCE(due_date,'') AS due_date,estimated_hours,created_at,updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var assignee sql.NullString
	var hours sql.NullFloat64
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &assignee, &t.DueDate, &hours, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if hours.Valid {
		t.EstimatedHours = &hours.Float64
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,title,description,status,assignee,due_date,estimated_hours,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.Assignee), nullable(t.DueDate), nullableFloatPtr(t.EstimatedHours), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID int64
	Status    string
	Assignee  string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TakeTask assigns a task to an organization only while no assignee is set.
// Returns false when another organization won the race or the task already
// moved past todo.
func (r Repo) TakeTask(ctx context.Context, tx *sql.Tx, id int64, organizationID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee=?, status=?, updated_at=? WHERE id=? AND assignee IS NULL AND status=?`,
		organizationID, domain.TaskInProgress, now, id, domain.TaskTodo)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTaskDone completes a task only from in_progress.
func (r Repo) MarkTaskDone(ctx context.Context, tx *sql.Tx, id int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskDone, now, id, domain.TaskInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
