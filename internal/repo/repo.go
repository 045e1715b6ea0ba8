package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"afu/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means the work item row changed underneath a
	// conditional update; the caller should re-read and decide again.
	ErrVersionConflict = errors.New("work item modified concurrently")
)

// IsUniqueViolation reports whether err is a sqlite unique constraint
// failure. The driver exports no sentinel for it, so the canonical message
// is matched.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const workItemColumns = `id,short_id,title,COALESCE(spec_md,''),lifecycle,handoff,
COALESCE(repo_full_name,''),COALESCE(external_number,0),COALESCE(external_url,''),
COALESCE(pr_number,0),COALESCE(pr_url,''),COALESCE(branch_name,''),last_error,version,created_at,updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (domain.WorkItem, error) {
	var wi domain.WorkItem
	var lastErr sql.NullString
	err := row.Scan(&wi.ID, &wi.ShortID, &wi.Title, &wi.SpecMD, &wi.Lifecycle, &wi.Handoff,
		&wi.RepoFullName, &wi.ExternalNumber, &wi.ExternalURL,
		&wi.PRNumber, &wi.PRURL, &wi.BranchName, &lastErr, &wi.Version, &wi.CreatedAt, &wi.UpdatedAt)
	if err == sql.ErrNoRows {
		return wi, ErrNotFound
	}
	if lastErr.Valid {
		wi.LastError = &lastErr.String
	}
	return wi, err
}

func (r Repo) InsertWorkItem(ctx context.Context, wi domain.WorkItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_items(id,short_id,title,spec_md,lifecycle,handoff,repo_full_name,external_number,external_url,pr_number,pr_url,branch_name,last_error,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wi.ID, wi.ShortID, wi.Title, nullable(wi.SpecMD), wi.Lifecycle, wi.Handoff,
		nullable(wi.RepoFullName), nullableInt(wi.ExternalNumber), nullable(wi.ExternalURL),
		nullableInt(wi.PRNumber), nullable(wi.PRURL), nullable(wi.BranchName),
		nullablePtr(wi.LastError), wi.Version, wi.CreatedAt, wi.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetWorkItemByShortID(ctx context.Context, shortID string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE short_id=?`, shortID))
}

// ResolveWorkItem accepts either a canonical id or a short display id.
func (r Repo) ResolveWorkItem(ctx context.Context, identifier string) (domain.WorkItem, error) {
	if domain.IsShortID(identifier) {
		return r.GetWorkItemByShortID(ctx, identifier)
	}
	return r.GetWorkItem(ctx, identifier)
}

func (r Repo) ListWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wi)
	}
	return res, rows.Err()
}

// UpdateWorkItemVersioned writes the item back conditionally on the version
// it was read at. Zero rows affected means a concurrent writer won; the
// stored row is untouched and ErrVersionConflict is returned.
func (r Repo) UpdateWorkItemVersioned(ctx context.Context, wi domain.WorkItem) (domain.WorkItem, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_items SET title=?,spec_md=?,lifecycle=?,handoff=?,repo_full_name=?,external_number=?,external_url=?,pr_number=?,pr_url=?,branch_name=?,last_error=?,version=version+1,updated_at=? WHERE id=? AND version=?`,
		wi.Title, nullable(wi.SpecMD), wi.Lifecycle, wi.Handoff,
		nullable(wi.RepoFullName), nullableInt(wi.ExternalNumber), nullable(wi.ExternalURL),
		nullableInt(wi.PRNumber), nullable(wi.PRURL), nullable(wi.BranchName),
		nullablePtr(wi.LastError), wi.UpdatedAt, wi.ID, wi.Version)
	if err != nil {
		return wi, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := r.GetWorkItem(ctx, wi.ID); errors.Is(getErr, ErrNotFound) {
			return wi, ErrNotFound
		}
		return wi, ErrVersionConflict
	}
	wi.Version++
	return wi, nil
}

// ActiveWorkItem returns the item currently holding an active lifecycle
// status, excluding excludeID. ErrNotFound means no item is active.
func (r Repo) ActiveWorkItem(ctx context.Context, excludeID string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE lifecycle=? AND id<>? LIMIT 1`,
		domain.LifecycleImplementing, excludeID))
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,type,work_item_id,request_id,actor,status,created_at,started_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.Type, run.WorkItemID, nullable(run.RequestID), run.Actor, run.Status, run.CreatedAt, nullable(run.StartedAt))
	return err
}

func (r Repo) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=? WHERE id=?`, status, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.Type, &run.WorkItemID, &run.RequestID, &run.Actor, &run.Status, &run.CreatedAt, &run.StartedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

const runColumns = `id,type,work_item_id,COALESCE(request_id,''),actor,status,created_at,COALESCE(started_at,'')`

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, workItemID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE work_item_id=? ORDER BY created_at DESC, id DESC`
	args := []any{workItemID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertRunStep(ctx context.Context, step domain.RunStep) (int64, error) {
	var evidence any
	if len(step.Evidence) > 0 {
		data, err := json.Marshal(step.Evidence)
		if err != nil {
			return 0, fmt.Errorf("marshal step evidence: %w", err)
		}
		evidence = string(data)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO run_steps(run_id,step_id,step_name,status,error_message,evidence_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		step.RunID, step.StepID, step.StepName, step.Status, nullable(step.ErrorMessage), evidence, step.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanRunStep(rows *sql.Rows) (domain.RunStep, error) {
	var step domain.RunStep
	var evidence sql.NullString
	if err := rows.Scan(&step.ID, &step.RunID, &step.StepID, &step.StepName, &step.Status, &step.ErrorMessage, &evidence, &step.CreatedAt); err != nil {
		return step, err
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &step.Evidence); err != nil {
			return step, fmt.Errorf("unmarshal step evidence: %w", err)
		}
	}
	return step, nil
}

const runStepColumns = `id,run_id,step_id,step_name,status,COALESCE(error_message,''),evidence_json,created_at`

func (r Repo) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runStepColumns+` FROM run_steps WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, step)
	}
	return res, rows.Err()
}

// ListRecentSteps returns the newest steps across the work item's runs, for
// idempotency-key scans on retry.
func (r Repo) ListRecentSteps(ctx context.Context, workItemID string, limit int) ([]domain.RunStep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.run_id,s.step_id,s.step_name,s.status,COALESCE(s.error_message,''),s.evidence_json,s.created_at
FROM run_steps s JOIN runs r ON r.id = s.run_id
WHERE r.work_item_id=? ORDER BY s.id DESC LIMIT ?`, workItemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, step)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
