package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sasaki2110/morizo/internal/observability"
)

// Executor drives a chain of tasks to completion. Scheduling is by
// wavefront: every pending task whose dependencies are all completed runs
// concurrently, the executor waits on the whole group, then computes the
// next wavefront. Ordering across wavefronts is exactly the dependency
// partial order; there is no ordering within one.
type Executor struct {
	Dispatcher Dispatcher
	Detector   *Detector
	Sink       ProgressSink
	Logger     *observability.Logger
}

func NewExecutor(dispatcher Dispatcher, detector *Detector, sink ProgressSink, logger *observability.Logger) *Executor {
	return &Executor{
		Dispatcher: dispatcher,
		Detector:   detector,
		Sink:       sink,
		Logger:     logger,
	}
}

// Execute runs the whole chain. The ambiguity inspection happens before any
// task runs: an ambiguous plan returns NeedsConfirmation with zero side
// effects. A confirmation raised mid-flight by a dispatch aborts the chain
// and discards all outputs, including tasks that already completed.
func (e *Executor) Execute(ctx context.Context, sessionID string, tasks []Task) ExecutionResult {
	if e.Detector != nil {
		inspection := e.Detector.Inspect(ctx, tasks)
		if inspection.RequiresConfirmation {
			first := inspection.AmbiguousTasks[0]
			e.logConfirmation(sessionID, first)
			return ExecutionResult{
				Status:       ResultNeedsConfirmation,
				Outputs:      map[string]map[string]any{},
				Confirmation: &first,
				Message:      first.Message,
			}
		}
	}
	return e.run(ctx, sessionID, tasks)
}

type taskOutcome struct {
	task Task
	out  Outcome
	err  error
}

func (e *Executor) run(ctx context.Context, sessionID string, tasks []Task) ExecutionResult {
	total := len(tasks)
	completed := make(map[string]map[string]any)
	failed := make(map[string]string)
	remaining := make(map[string]bool, total)
	for _, t := range tasks {
		remaining[t.ID] = true
	}

	progressed := 0
	for len(remaining) > 0 {
		group := e.readyGroup(tasks, remaining, completed)
		if len(group) == 0 {
			msg := "circular dependency detected: no executable task remains"
			if ids := sortedKeys(failed); len(ids) > 0 {
				// A failed upstream task stalls its dependents into the same
				// dead end as a real cycle; the caller-visible error stays
				// the same but the message names the failed tasks.
				msg = fmt.Sprintf("%s (failed upstream tasks: %s)", msg, strings.Join(ids, ", "))
			}
			e.Logger.LogStep(sessionID, "", map[string]any{"event": "stuck", "error": msg})
			return ExecutionResult{Status: ResultError, Message: msg}
		}

		// Fan out the whole wavefront, then wait on the group as one
		// barrier. A sibling failure must not cancel the rest of the group,
		// so outcomes are collected over a channel instead of an errgroup.
		results := make(chan taskOutcome, len(group))
		var wg sync.WaitGroup
		for _, t := range group {
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				params := ResolveParams(t.Parameters, completed)
				out, err := e.Dispatcher.Invoke(ctx, t.Service, t.Method, params)
				results <- taskOutcome{task: t, out: out, err: err}
			}(t)
		}
		wg.Wait()
		close(results)

		var confirmation *AmbiguityInfo
		succeeded := 0
		label := ""
		for r := range results {
			delete(remaining, r.task.ID)
			switch {
			case r.err != nil:
				failed[r.task.ID] = r.err.Error()
				e.Logger.LogStep(sessionID, r.task.ID, map[string]any{
					"operation": r.task.Method,
					"status":    string(TaskFailed),
					"error":     r.err.Error(),
				})
			case r.out.Confirm != nil:
				info := ambiguityFromConfirm(r.task, r.out.Confirm)
				confirmation = &info
			default:
				completed[r.task.ID] = r.out.Value
				succeeded++
				label = r.task.Method
				e.Logger.LogStep(sessionID, r.task.ID, map[string]any{
					"operation": r.task.Method,
					"status":    string(TaskCompleted),
				})
			}
		}

		if confirmation != nil {
			e.logConfirmation(sessionID, *confirmation)
			return ExecutionResult{
				Status:       ResultNeedsConfirmation,
				Outputs:      map[string]map[string]any{},
				Confirmation: confirmation,
				Message:      confirmation.Message,
			}
		}

		progressed += succeeded
		p := Progress{
			Completed:   progressed,
			Total:       total,
			Percent:     progressed * 100 / total,
			CurrentTask: label,
		}
		if e.Sink != nil {
			e.Sink.NotifyProgress(ctx, sessionID, p)
		}
		e.Logger.LogProgress(sessionID, p.Completed, p.Total, p.CurrentTask)
	}

	return ExecutionResult{Status: ResultSuccess, Outputs: completed}
}

// readyGroup returns the pending tasks whose every dependency id is already
// completed, in plan order.
func (e *Executor) readyGroup(tasks []Task, remaining map[string]bool, completed map[string]map[string]any) []Task {
	var group []Task
	for _, t := range tasks {
		if !remaining[t.ID] {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if _, ok := completed[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			group = append(group, t)
		}
	}
	return group
}

// ambiguityFromConfirm converts a dispatch-level confirmation request into
// the same AmbiguityInfo shape the pre-execution detector produces.
func ambiguityFromConfirm(t Task, c *ConfirmRequest) AmbiguityInfo {
	info := AmbiguityInfo{
		TaskID:     t.ID,
		Operation:  t.Method,
		Kind:       MultipleCandidates,
		Message:    c.Message,
		Parameters: t.Parameters,
	}
	if c.Context != nil {
		if kind, ok := c.Context["kind"].(string); ok && kind != "" {
			info.Kind = AmbiguityKind(kind)
		}
		if cands, ok := c.Context["candidates"].([]map[string]any); ok {
			info.Candidates = cands
		}
	}
	return info
}

func (e *Executor) logConfirmation(sessionID string, info AmbiguityInfo) {
	e.Logger.LogConfirmation(sessionID, info.TaskID, string(info.Kind), info.Operation)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
