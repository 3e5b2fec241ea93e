package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Action completion statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Handler executes one action invocation and returns its result payload.
type Handler func(ctx context.Context, params map[string]string) (map[string]string, error)

// Result is the outcome of a finished action.
type Result struct {
	Status  string
	Results map[string]string
	Message string // failure detail, empty on success
}

// Task is a running action invocation.
type Task struct {
	name   string
	done   chan struct{}
	result Result
}

// Wait blocks until the action finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-t.done:
		return t.result, nil
	}
}

// Runner dispatches named actions. Invocations run in their own goroutine;
// callers collect outcomes through Task.Wait.
type Runner struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner() *Runner {
	return &Runner{handlers: map[string]Handler{}}
}

// Register binds an action name to its handler.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Run starts the named action.
func (r *Runner) Run(ctx context.Context, name string, params map[string]string) (*Task, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action: %s", name)
	}

	t := &Task{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		start := time.Now()
		results, err := h(ctx, params)
		if err != nil {
			t.result = Result{Status: StatusFailed, Message: err.Error()}
			log.Warn().Err(err).Str("action", "action_run").Str("name", name).
				Dur("elapsed_ms", time.Since(start)).Msg("action failed")
			return
		}
		t.result = Result{Status: StatusCompleted, Results: results}
		log.Info().Str("action", "action_run").Str("name", name).
			Dur("elapsed_ms", time.Since(start)).Msg("action completed")
	}()
	return t, nil
}
