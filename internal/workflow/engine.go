// Package workflow runs named multi-step operations with persisted progress.
// Every step boundary writes the current step and its data to the store, so a
// crashed run can be resumed from the last completed step by the recovery
// sweep. Steps must be idempotent: a resume re-executes the recorded step.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
)

// heartbeats refresh mid-step so long steps do not look stale
const heartbeatInterval = 30 * time.Second

// StepFunc executes one step of a workflow. State read and written through
// the Run survives crashes.
type StepFunc func(ctx context.Context, run *Run) error

// Step is one named stage of a workflow definition.
type Step struct {
	Name string
	Fn   StepFunc
}

// Definition is an ordered step sequence for one workflow type.
type Definition struct {
	Type  string
	Steps []Step
}

func (d *Definition) stepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

type Engine struct {
	store  *store.Store
	logger core.ILogger
	clock  core.IClock

	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewEngine(st *store.Store, logger core.ILogger, clock core.IClock) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		store:  st,
		logger: logger.WithField("component", "workflow"),
		clock:  clock,
		defs:   make(map[string]*Definition),
	}
}

// Define registers a workflow type. Definitions are fixed at startup.
func (e *Engine) Define(wfType string, steps ...Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[wfType] = &Definition{Type: wfType, Steps: steps}
}

func (e *Engine) definition(wfType string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[wfType]
	if !ok || len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: unknown workflow type %s", apperrors.ErrValidation, wfType)
	}
	return def, nil
}

// Start creates the workflow state at step one and runs it to completion.
// On failure the state stays in_progress so the stale sweep can resume it;
// only a permanent error marks it failed.
func (e *Engine) Start(ctx context.Context, wfType, entityRef string, seed map[string]interface{}) (*core.WorkflowState, error) {
	def, err := e.definition(wfType)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow seed: %w", err)
	}
	now := e.clock.Now().UTC()
	w := &core.WorkflowState{
		ID:            uuid.NewString(),
		Type:          wfType,
		EntityRef:     entityRef,
		CurrentStep:   def.Steps[0].Name,
		StepData:      data,
		Status:        core.WorkflowInProgress,
		LastHeartbeat: now,
		Attempts:      1,
		CreatedAt:     now,
	}
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, e.run(ctx, def, w, 0)
}

// Resume re-drives a workflow from its recorded step. The recovery sweep is
// the usual caller, after claiming a stale row.
func (e *Engine) Resume(ctx context.Context, w *core.WorkflowState) error {
	def, err := e.definition(w.Type)
	if err != nil {
		return err
	}
	idx := def.stepIndex(w.CurrentStep)
	if idx < 0 {
		return apperrors.Permanent(fmt.Errorf("workflow %s records unknown step %s", w.ID, w.CurrentStep))
	}
	e.logger.Info("resuming workflow",
		"workflow_id", w.ID, "type", w.Type, "entity_ref", w.EntityRef,
		"step", w.CurrentStep, "attempt", w.Attempts)
	return e.run(ctx, def, w, idx)
}

func (e *Engine) run(ctx context.Context, def *Definition, w *core.WorkflowState, from int) error {
	run, err := newRun(w)
	if err != nil {
		return e.fail(ctx, w, apperrors.Permanent(err))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, w.ID)

	for i := from; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if err := step.Fn(ctx, run); err != nil {
			e.logger.Error("workflow step failed",
				"workflow_id", w.ID, "type", w.Type, "step", step.Name,
				"attempt", w.Attempts, "error", err)
			if apperrors.IsPermanent(err) {
				return e.fail(ctx, w, err)
			}
			return err
		}

		data, err := run.marshal()
		if err != nil {
			return e.fail(ctx, w, apperrors.Permanent(err))
		}
		if i+1 < len(def.Steps) {
			next := def.Steps[i+1].Name
			if err := e.store.AdvanceWorkflow(ctx, w.ID, next, data, e.clock.Now().UTC()); err != nil {
				return err
			}
			w.CurrentStep = next
			w.StepData = data
		} else {
			w.StepData = data
		}
	}

	if err := e.store.FinishWorkflow(ctx, w.ID, core.WorkflowCompleted, e.clock.Now().UTC()); err != nil {
		return err
	}
	w.Status = core.WorkflowCompleted
	e.logger.Info("workflow completed",
		"workflow_id", w.ID, "type", w.Type, "entity_ref", w.EntityRef)
	return nil
}

func (e *Engine) fail(ctx context.Context, w *core.WorkflowState, cause error) error {
	if err := e.store.FinishWorkflow(ctx, w.ID, core.WorkflowFailed, e.clock.Now().UTC()); err != nil {
		e.logger.Error("failed to mark workflow failed", "workflow_id", w.ID, "error", err)
	}
	w.Status = core.WorkflowFailed
	return cause
}

func (e *Engine) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.HeartbeatWorkflow(context.Background(), id, e.clock.Now().UTC()); err != nil {
				e.logger.Warn("workflow heartbeat failed", "workflow_id", id, "error", err)
			}
		}
	}
}

// Pause parks an exhausted workflow for operator attention.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.store.FinishWorkflow(ctx, id, core.WorkflowPaused, e.clock.Now().UTC())
}

// Run is the mutable state a workflow carries across steps. Values put here
// are persisted at every step boundary.
type Run struct {
	State *core.WorkflowState

	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newRun(w *core.WorkflowState) (*Run, error) {
	r := &Run{State: w, data: make(map[string]json.RawMessage)}
	if len(w.StepData) > 0 {
		if err := json.Unmarshal(w.StepData, &r.data); err != nil {
			return nil, fmt.Errorf("corrupt step data for workflow %s: %w", w.ID, err)
		}
	}
	return r, nil
}

// Put stores a value under key for later steps and for resume.
func (r *Run) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode step value %s: %w", key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = raw
	return nil
}

// Get loads a value stored by an earlier step. The boolean reports presence.
func (r *Run) Get(key string, out interface{}) (bool, error) {
	r.mu.Lock()
	raw, ok := r.data[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode step value %s: %w", key, err)
	}
	return true, nil
}

// GetString is Get for the common string case.
func (r *Run) GetString(key string) string {
	var s string
	if ok, err := r.Get(key, &s); !ok || err != nil {
		return ""
	}
	return s
}

func (r *Run) marshal() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.data)
}
