// Package campaign defines campaign jobs, their embedded tasks and the
// external accounts that execute them.
package campaign

import (
	"fmt"
	"slices"
	"time"
)

// ActionType is the kind of action a job performs for every recipient
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionAddFriend   ActionType = "add_friend"
	ActionFindUID     ActionType = "find_uid"
)

// Valid reports whether a is a known action type
func (a ActionType) Valid() bool {
	switch a {
	case ActionSendMessage, ActionAddFriend, ActionFindUID:
		return true
	}
	return false
}

// JobStatus represents the lifecycle status of a job
type JobStatus string

const (
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobPaused     JobStatus = "paused"
)

// Live reports whether jobs in this status belong to the live store
func (s JobStatus) Live() bool {
	return s == JobScheduled || s == JobProcessing
}

// TaskStatus represents the status of a single task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the task was executed
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Person is the denormalized snapshot of a recipient
type Person struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	UID      string `json:"uid,omitempty"`
	SourceID string `json:"source_id,omitempty"`
}

// Task is one recipient's scheduled unit of work within a job
type Task struct {
	ID            string     `json:"id"`
	Person        Person     `json:"person"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	Status        TaskStatus `json:"status"`
	ResultMessage string     `json:"result_message,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Statistics holds running job statistics
type Statistics struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every task reached a terminal status
func (s Statistics) Done() bool {
	return s.Completed+s.Failed >= s.Total
}

// Job is a durable batch of tasks sharing one action type and one account
type Job struct {
	ID                      string           `json:"id"`
	JobName                 string           `json:"job_name"`
	ActionType              ActionType       `json:"action_type"`
	AccountID               string           `json:"account_id"`
	Config                  map[string]any   `json:"config,omitempty"`
	Status                  JobStatus        `json:"status"`
	Tasks                   map[string]*Task `json:"tasks"`
	TaskOrder               []string         `json:"task_order"`
	Statistics              Statistics       `json:"statistics"`
	EstimatedStart          time.Time        `json:"estimated_start"`
	EstimatedCompletionTime time.Time        `json:"estimated_completion_time"`
	CreatedBy               string           `json:"created_by"`
	CreatedAt               time.Time        `json:"created_at"`
	CompletedAt             *time.Time       `json:"completed_at,omitempty"`
}

// AddTask appends a task in creation order
func (j *Job) AddTask(t *Task) {
	if j.Tasks == nil {
		j.Tasks = make(map[string]*Task)
	}
	j.Tasks[t.ID] = t
	j.TaskOrder = append(j.TaskOrder, t.ID)
	j.Statistics.Total++
}

// Task returns a task by ID
func (j *Job) Task(id string) (*Task, bool) {
	t, ok := j.Tasks[id]
	return t, ok
}

// OrderedTasks returns tasks in creation order
func (j *Job) OrderedTasks() []*Task {
	tasks := make([]*Task, 0, len(j.TaskOrder))
	for _, id := range j.TaskOrder {
		if t, ok := j.Tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// RemoveTask deletes a pending task and decrements the total
func (j *Job) RemoveTask(id string) (*Task, error) {
	t, ok := j.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskNotPending)
	}

	delete(j.Tasks, id)
	if i := slices.Index(j.TaskOrder, id); i >= 0 {
		j.TaskOrder = slices.Delete(j.TaskOrder, i, i+1)
	}
	j.Statistics.Total--
	return t, nil
}

// Claim moves a pending task to processing
func (j *Job) Claim(id string, now time.Time) (*Task, error) {
	t, ok := j.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskNotPending)
	}
	t.Status = TaskProcessing
	t.ClaimedAt = &now
	return t, nil
}

// Release returns a claimed task that was never executed to pending
func (j *Job) Release(id string) (*Task, error) {
	t, ok := j.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != TaskProcessing {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskNotClaimed)
	}
	t.Status = TaskPending
	t.ClaimedAt = nil
	return t, nil
}

// RecordOutcome stores the execution result of a claimed task
func (j *Job) RecordOutcome(id string, success bool, message string, now time.Time) (*Task, error) {
	t, ok := j.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != TaskProcessing {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskNotClaimed)
	}

	t.ResultMessage = message
	t.ProcessedAt = &now
	if success {
		t.Status = TaskCompleted
		j.Statistics.Completed++
	} else {
		t.Status = TaskFailed
		j.Statistics.Failed++
	}
	return t, nil
}

// Transition moves the job along scheduled -> processing -> {completed, paused}
func (j *Job) Transition(to JobStatus) error {
	switch {
	case j.Status == JobScheduled && (to == JobProcessing || to == JobPaused):
	case j.Status == JobProcessing && (to == JobCompleted || to == JobPaused):
	default:
		return fmt.Errorf("%s -> %s: %w", j.Status, to, ErrInvalidTransition)
	}
	j.Status = to
	return nil
}

// OpenTasks returns tasks that have not been executed yet
func (j *Job) OpenTasks() []*Task {
	var open []*Task
	for _, t := range j.OrderedTasks() {
		if !t.Status.Terminal() {
			open = append(open, t)
		}
	}
	return open
}

// RecipientIDs returns distinct recipient IDs of all tasks
func (j *Job) RecipientIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, t := range j.OrderedTasks() {
		if t.Person.ID == "" || seen[t.Person.ID] {
			continue
		}
		seen[t.Person.ID] = true
		ids = append(ids, t.Person.ID)
	}
	return ids
}

// HasRecipient reports whether any task still targets the recipient
func (j *Job) HasRecipient(recipientID string) bool {
	for _, t := range j.Tasks {
		if t.Person.ID == recipientID {
			return true
		}
	}
	return false
}

// ConfigInt reads a numeric config value decoded from JSON or YAML
func (j *Job) ConfigInt(key string) (int, bool) {
	return ConfigInt(j.Config, key)
}

// ConfigInt reads a numeric value from a free-form config map
func ConfigInt(cfg map[string]any, key string) (int, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// JobListFilter for paginating jobs
type JobListFilter struct {
	Page  int
	Limit int
}

// Offset returns the number of items to skip
func (f JobListFilter) Offset() int {
	if f.Page <= 1 || f.Limit <= 0 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}
