// Package coordinator implements the leader bot's elevated authority:
// request analysis, task decomposition, the dependency-aware
// orchestrator, the inter-bot message bus, and escalation to the user.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

var (
	// ErrCycle means the submitted task graph has a dependency cycle.
	ErrCycle = errors.New("task dependency cycle")

	// ErrBadTransition means a status update violated the task state
	// machine.
	ErrBadTransition = errors.New("invalid task transition")

	ErrTaskNotFound = errors.New("task not found")
)

// TaskStore persists the coordinator's task DAG in the shared database.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTaskStore(db *sql.DB, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{db: db, logger: logger.With("component", "tasks")}
}

// CreatePlan inserts a batch of tasks and their dependencies in one
// transaction. Dependencies may reference tasks inside the batch or
// existing ones. A cycle is a construction-time error: nothing is
// written.
func (s *TaskStore) CreatePlan(ctx context.Context, tasks []*models.Task) error {
	if err := checkAcyclic(tasks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		if t.Priority == 0 {
			t.Priority = 3
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, domain, priority, assigned_to, status,
				requirements, constraints, result, confidence, parent_task_id, retry_count,
				created_at, started_at, completed_at, due_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, t.Domain, t.Priority, t.AssignedTo, t.Status,
			strings.Join(t.Requirements, "\x1f"), strings.Join(t.Constraints, "\x1f"),
			t.Result, t.Confidence, nullStr(t.ParentTaskID), t.RetryCount,
			t.CreatedAt, nullTimePtr(t.StartedAt), nullTimePtr(t.CompletedAt), nullTimePtr(t.DueDate))
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.Title, err)
		}
		for _, dep := range t.DependsOn {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
				t.ID, dep); err != nil {
				return fmt.Errorf("insert dependency %s -> %s: %w", t.ID, dep, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit plan: %w", err)
	}
	return nil
}

// checkAcyclic validates the dependency graph of the batch with a DFS
// over the batch-local edges.
func checkAcyclic(tasks []*models.Task) error {
	inBatch := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		inBatch[t.ID] = t
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: involving task %s", ErrCycle, id)
		case black:
			return nil
		}
		color[id] = grey
		if t, ok := inBatch[id]; ok {
			for _, dep := range t.DependsOn {
				if _, local := inBatch[dep]; local {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range inBatch {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one task with its dependency list.
func (s *TaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTasks+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if t.DependsOn, err = s.dependencies(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// Ready returns tasks eligible to dispatch: PENDING or ASSIGNED with
// every dependency COMPLETED, ordered by priority then age.
func (s *TaskStore) Ready(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTasks+`
		WHERE status IN (?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = tasks.id AND dep.status != ?
		  )
		ORDER BY priority ASC, created_at ASC`,
		models.TaskPending, models.TaskAssigned, models.TaskCompleted)
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	return s.collect(ctx, rows)
}

// ByStatus lists tasks in the given status.
func (s *TaskStore) ByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTasks+` WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return s.collect(ctx, rows)
}

// Transition moves a task along an allowed state-machine edge,
// stamping started_at / completed_at as appropriate.
func (s *TaskStore) Transition(ctx context.Context, id string, next models.TaskStatus) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, t.Status, next, id)
	}

	now := time.Now().UTC()
	switch next {
	case models.TaskInProgress:
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`, next, now, id)
	case models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, next, now, id)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, next, id)
	}
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	return nil
}

// Assign sets the task's bot and moves it to ASSIGNED.
func (s *TaskStore) Assign(ctx context.Context, id, bot string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(models.TaskAssigned) && t.Status != models.TaskAssigned {
		return fmt.Errorf("%w: %s -> assigned for %s", ErrBadTransition, t.Status, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = ?, status = ? WHERE id = ?`, bot, models.TaskAssigned, id)
	if err != nil {
		return fmt.Errorf("assign %s: %w", id, err)
	}
	return nil
}

// Complete records the result and confidence and moves to COMPLETED.
func (s *TaskStore) Complete(ctx context.Context, id, result string, confidence float64) error {
	if err := s.Transition(ctx, id, models.TaskCompleted); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET result = ?, confidence = ? WHERE id = ?`, result, confidence, id)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Fail bumps the retry counter; once retries are exhausted the task
// goes FAILED and every successor is moved to BLOCKED. Returns whether
// the task may be retried.
func (s *TaskStore) Fail(ctx context.Context, id string, maxRetries int) (retryable bool, err error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.RetryCount < maxRetries {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET retry_count = retry_count + 1, status = ? WHERE id = ?`,
			models.TaskAssigned, id)
		if err != nil {
			return false, fmt.Errorf("retry %s: %w", id, err)
		}
		return true, nil
	}

	if err := s.Transition(ctx, id, models.TaskFailed); err != nil {
		return false, err
	}
	if err := s.blockSuccessors(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Reassign hands a failed-retry task to an alternate bot with a fresh
// retry budget.
func (s *TaskStore) Reassign(ctx context.Context, id, bot string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = ?, status = ?, retry_count = 0 WHERE id = ?`,
		bot, models.TaskAssigned, id)
	if err != nil {
		return fmt.Errorf("reassign %s: %w", id, err)
	}
	return nil
}

// blockSuccessors moves every non-terminal dependent of the failed
// task to BLOCKED.
func (s *TaskStore) blockSuccessors(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE status IN (?, ?)
		  AND id IN (SELECT task_id FROM task_dependencies WHERE depends_on = ?)`,
		models.TaskBlocked, models.TaskPending, models.TaskAssigned, id)
	if err != nil {
		return fmt.Errorf("block successors of %s: %w", id, err)
	}
	return nil
}

// UnblockResolved moves BLOCKED tasks whose dependencies are now all
// COMPLETED back to PENDING. Returns how many were released.
func (s *TaskStore) UnblockResolved(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = tasks.id AND dep.status != ?
		  )`,
		models.TaskPending, models.TaskBlocked, models.TaskCompleted)
	if err != nil {
		return 0, fmt.Errorf("unblock: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *TaskStore) dependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", id, err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (s *TaskStore) collect(ctx context.Context, rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		deps, err := s.dependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return out, nil
}

const selectTasks = `
	SELECT id, title, description, domain, priority, assigned_to, status,
	       requirements, constraints, result, confidence, parent_task_id, retry_count,
	       created_at, started_at, completed_at, due_date
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                          models.Task
		desc, domain, assigned     sql.NullString
		reqs, cons, result, parent sql.NullString
		confidence                 sql.NullFloat64
		started, completed, due    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &domain, &t.Priority, &assigned, &t.Status,
		&reqs, &cons, &result, &confidence, &parent, &t.RetryCount,
		&t.CreatedAt, &started, &completed, &due)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Domain = domain.String
	t.AssignedTo = assigned.String
	t.Result = result.String
	t.ParentTaskID = parent.String
	t.Confidence = confidence.Float64
	if reqs.String != "" {
		t.Requirements = strings.Split(reqs.String, "\x1f")
	}
	if cons.String != "" {
		t.Constraints = strings.Split(cons.String, "\x1f")
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if due.Valid {
		t.DueDate = &due.Time
	}
	return &t, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
