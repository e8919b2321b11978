// Package tasks runs sub-agent work in the background. Each task gets its own
// child session; completion is announced with exactly one terminal event on
// the bus.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/ids"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// RunFunc executes a prompt inside the given session and returns the final
// assistant text. Injected at wiring time so this package stays independent
// of the executor.
type RunFunc func(ctx context.Context, prompt, sessionID, taskID string) (string, error)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusStopped   Status = "stopped"
)

// Task is one background sub-agent run.
type Task struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parentSessionId"`
	SubSessionID    string    `json:"subSessionId"`
	Description     string    `json:"description"`
	SubagentType    string    `json:"subagentType"`
	Status          Status    `json:"status"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt,omitzero"`
	Cleanup         string    `json:"cleanup,omitempty"`

	cancel  context.CancelFunc
	stopped bool // set by Stop before cancel so the worker can tell stop from timeout
	done    chan struct{}
}

// Manager owns task lifecycle. DefaultTimeout applies when a spec carries
// none.
type Manager struct {
	sessions       *session.Manager
	bus            *bus.Bus
	run            RunFunc
	defaultTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
}

// DefaultTimeout bounds tasks that specify none.
const DefaultTimeout = 10 * time.Minute

func NewManager(sessions *session.Manager, b *bus.Bus, run RunFunc, defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Manager{
		sessions:       sessions,
		bus:            b,
		run:            run,
		defaultTimeout: defaultTimeout,
		tasks:          make(map[string]*Task),
	}
}

// Start creates the child session and launches the worker. It returns as
// soon as the task is registered (pending); the worker flips it to running
// and completion arrives on the bus.
func (m *Manager) Start(ctx context.Context, spec tools.TaskSpec) (tools.TaskHandle, error) {
	sub, err := m.sessions.Create(spec.ParentSessionID, spec.Description)
	if err != nil {
		return tools.TaskHandle{}, fmt.Errorf("create task session: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	// The worker owns its own lifetime; the caller's context ends with the
	// parent request, which must not kill a background task.
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)

	task := &Task{
		ID:              ids.Ascending(ids.PrefixTask),
		ParentSessionID: spec.ParentSessionID,
		SubSessionID:    sub.ID(),
		Description:     spec.Description,
		SubagentType:    spec.SubagentType,
		Status:          StatusPending,
		StartedAt:       time.Now(),
		Cleanup:         spec.Cleanup,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	slog.Info("task started", "task", task.ID, "parent", spec.ParentSessionID, "sub_session", sub.ID(), "timeout", timeout)
	go m.work(runCtx, task, spec.Prompt)

	return tools.TaskHandle{TaskID: task.ID, SubSessionID: task.SubSessionID}, nil
}

func (m *Manager) work(ctx context.Context, task *Task, prompt string) {
	defer task.cancel()

	m.mu.Lock()
	if task.Status == StatusPending {
		task.Status = StatusRunning
	}
	m.mu.Unlock()

	result, err := m.run(ctx, prompt, task.SubSessionID, task.ID)
	m.finish(ctx, task, result, err)
}

// finish transitions the task to its terminal state and publishes exactly
// one terminal event. Late finishers (a worker racing Stop) find the status
// already terminal and do nothing.
func (m *Manager) finish(ctx context.Context, task *Task, result string, err error) {
	m.mu.Lock()
	if task.Status != StatusRunning && task.Status != StatusPending {
		m.mu.Unlock()
		return
	}

	elapsed := time.Since(task.StartedAt)
	task.EndedAt = time.Now()
	task.Result = result

	var eventType string
	var payload any
	switch {
	case task.stopped:
		task.Status = StatusStopped
		eventType = protocol.EventTaskStopped
		payload = protocol.TaskStopped{
			TaskID:        task.ID,
			SubSessionID:  task.SubSessionID,
			Message:       "task stopped by request",
			ExecutionTime: elapsed.Milliseconds(),
		}
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		task.Status = StatusTimeout
		task.Error = err.Error()
		eventType = protocol.EventTaskTimeout
		payload = protocol.TaskTimeout{
			TaskID:        task.ID,
			SubSessionID:  task.SubSessionID,
			Description:   task.Description,
			Message:       fmt.Sprintf("task timed out after %s", elapsed.Round(time.Millisecond)),
			ExecutionTime: elapsed.Milliseconds(),
		}
	case err != nil:
		task.Status = StatusFailed
		task.Error = err.Error()
		eventType = protocol.EventTaskFailed
		payload = protocol.TaskFailed{
			TaskID:        task.ID,
			SubSessionID:  task.SubSessionID,
			Description:   task.Description,
			Error:         err.Error(),
			ExecutionTime: elapsed.Milliseconds(),
			SubagentType:  task.SubagentType,
		}
	default:
		task.Status = StatusCompleted
		eventType = protocol.EventTaskCompleted
		payload = protocol.TaskCompleted{
			TaskID:        task.ID,
			SubSessionID:  task.SubSessionID,
			Description:   task.Description,
			Result:        result,
			ExecutionTime: elapsed.Milliseconds(),
			SubagentType:  task.SubagentType,
		}
	}
	status := task.Status
	m.mu.Unlock()

	slog.Info("task finished", "task", task.ID, "status", status, "elapsed", elapsed)
	m.bus.Publish(eventType, payload, bus.Metadata{
		TriggerSessionID: task.ParentSessionID,
		TaskID:           task.ID,
		Source:           "tasks",
	})
	if task.Cleanup == "delete" {
		if err := m.sessions.Delete(task.SubSessionID); err != nil {
			slog.Warn("task session cleanup failed", "task", task.ID, "session", task.SubSessionID, "error", err)
		}
	}
	close(task.done)
}

// Wait blocks until the task reaches a terminal state, then returns its
// result text (or its error for non-completed outcomes).
func (m *Manager) Wait(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("task %s not found", taskID)
	}

	select {
	case <-task.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch task.Status {
	case StatusCompleted:
		return task.Result, nil
	case StatusTimeout:
		return "", fmt.Errorf("task timed out: %s", task.Error)
	case StatusStopped:
		return "", errors.New("task stopped")
	default:
		return "", errors.New(task.Error)
	}
}

// Stop cancels a running task. Stopping a terminal or unknown task is not an
// error.
func (m *Manager) Stop(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if ok && (task.Status == StatusRunning || task.Status == StatusPending) {
		task.stopped = true
	}
	m.mu.Unlock()
	if ok {
		task.cancel()
	}
}

// Get returns a snapshot of one task.
func (m *Manager) Get(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return snapshot(task), true
}

// List returns snapshots of tasks for a parent session ("" = all), newest
// first.
func (m *Manager) List(parentSessionID string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		if parentSessionID != "" && task.ParentSessionID != parentSessionID {
			continue
		}
		out = append(out, snapshot(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// StopAll cancels every running task. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var running []*Task
	for _, task := range m.tasks {
		if task.Status == StatusRunning || task.Status == StatusPending {
			task.stopped = true
			running = append(running, task)
		}
	}
	m.mu.Unlock()
	for _, task := range running {
		task.cancel()
	}
}

func snapshot(t *Task) Task {
	out := *t
	out.cancel = nil
	out.done = nil
	return out
}
