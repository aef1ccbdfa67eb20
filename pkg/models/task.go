package models

import "time"

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskTransitions enumerates the allowed status edges. BLOCKED is a side
// state entered from PENDING/ASSIGNED when unmet dependencies are found
// and exited back on dependency completion.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskBlocked, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskBlocked, TaskCancelled},
	TaskBlocked:    {TaskPending, TaskAssigned, TaskFailed, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether the status may move to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Task is a unit of delegated work tracked by the coordinator. A task may
// start only when every dependency is completed; the dependency graph
// must be acyclic.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Domain       string     `json:"domain"`
	Priority     int        `json:"priority"` // 1..5
	AssignedTo   string     `json:"assigned_to,omitempty"`
	Status       TaskStatus `json:"status"`
	Requirements []string   `json:"requirements,omitempty"`
	Constraints  []string   `json:"constraints,omitempty"`
	Result       string     `json:"result,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	RetryCount   int        `json:"retry_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}
