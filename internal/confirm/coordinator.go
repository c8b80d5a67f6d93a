// Package confirm implements the pause/persist/resume protocol around the
// task executor. A chain that needs user confirmation is parked as a
// PausedState; the next caller turn tagged as a confirmation response either
// resumes it, replans it, or cancels it.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/session"
)

// ErrNoSavedState is returned on a resume attempt with no (or an expired)
// paused state; the caller falls through to ordinary planning.
var ErrNoSavedState = errors.New("confirm: no saved state")

// ReplyKind classifies a confirmation reply, in parse priority order.
type ReplyKind int

const (
	ReplyUnrecognized ReplyKind = iota
	ReplyCancel
	ReplyStrategy
	ReplyIngredient
)

// ParsedReply is the outcome of parsing one confirmation response.
type ParsedReply struct {
	Kind       ReplyKind
	Strategy   string // latest | oldest | all
	ItemID     int64  // set when the reply was a numeric id
	ByID       bool
	Ingredient string
}

// ConfirmationResult mirrors the applied reply: whether the flow was
// cancelled and, if not, the rewritten chain to resubmit.
type ConfirmationResult struct {
	IsCancelled  bool
	UpdatedTasks []chain.Task
	Context      map[string]any
}

// ResolutionStatus tells the orchestrator what to do next.
type ResolutionStatus string

const (
	ResolutionCancelled ResolutionStatus = "cancelled"
	ResolutionExecuted  ResolutionStatus = "executed"
	ResolutionReplan    ResolutionStatus = "replan"
	ResolutionReprompt  ResolutionStatus = "reprompt"
	// ResolutionPaused means the resumed chain hit a further ambiguity and
	// was parked again under a fresh paused state.
	ResolutionPaused ResolutionStatus = "paused"
)

// Resolution is the outcome of one resume attempt.
type Resolution struct {
	Status ResolutionStatus
	// Result carries the execution outcome when Status is Executed.
	Result *chain.ExecutionResult
	// NewRequest is the synthesized planning request when Status is Replan.
	NewRequest string
	// Confirmation describes the new ambiguity when Status is Paused.
	Confirmation *chain.AmbiguityInfo
	Message      string
}

// Coordinator drives Running → AwaitingConfirmation → {Resumed | Cancelled}.
type Coordinator struct {
	Store    session.Store
	Executor *chain.Executor
	TTL      time.Duration
	Logger   *observability.Logger
}

func NewCoordinator(store session.Store, executor *chain.Executor, ttl time.Duration, logger *observability.Logger) *Coordinator {
	return &Coordinator{
		Store:    store,
		Executor: executor,
		TTL:      ttl,
		Logger:   logger,
	}
}

// Pause persists the paused state under the session id and returns the
// confirmation message to show the user. No task advances.
func (c *Coordinator) Pause(ctx context.Context, sessionID, ownerID, originalRequest string, tasks []chain.Task, info chain.AmbiguityInfo) (string, error) {
	p := &session.PausedState{
		SessionID:       sessionID,
		OwnerID:         ownerID,
		Tasks:           tasks,
		OriginalRequest: originalRequest,
		Ambiguity:       info,
		CreatedAt:       time.Now(),
	}
	if err := c.Store.SavePaused(ctx, p); err != nil {
		return "", fmt.Errorf("failed to save paused state: %v", err)
	}
	c.Logger.LogConfirmation(sessionID, info.TaskID, string(info.Kind), info.Operation)
	return confirmationMessage(info), nil
}

// Resume consumes the paused state and applies the user's reply. The state
// is deleted eagerly at the start, so every resume attempt is single-use; a
// re-prompt saves a fresh copy with the original timestamp.
func (c *Coordinator) Resume(ctx context.Context, sessionID, ownerID, reply string) (Resolution, error) {
	p, err := c.Store.TakePaused(ctx, sessionID, c.TTL)
	if errors.Is(err, session.ErrNotFound) {
		return Resolution{}, ErrNoSavedState
	}
	if err != nil {
		return Resolution{}, err
	}
	if p.OwnerID != ownerID {
		// Not this caller's confirmation. Put the state back so the real
		// owner's flow survives the attempt.
		if saveErr := c.Store.SavePaused(ctx, p); saveErr != nil {
			return Resolution{}, fmt.Errorf("failed to restore paused state: %v", saveErr)
		}
		return Resolution{}, ErrNoSavedState
	}

	parsed := ParseReply(reply)
	if parsed.Kind == ReplyCancel {
		c.Logger.LogConfirmation(sessionID, p.Ambiguity.TaskID, "cancelled", p.Ambiguity.Operation)
		return Resolution{
			Status:  ResolutionCancelled,
			Message: "操作をキャンセルしました。",
		}, nil
	}

	switch p.Ambiguity.Kind {
	case chain.MultipleCandidates:
		return c.resumeMultiCandidate(ctx, p, parsed)
	case chain.MissingOptionalParameter:
		return c.resumeMissingParam(ctx, p, parsed)
	}
	return c.reprompt(ctx, p)
}

// resumeMultiCandidate rewrites the ambiguous task's operation to its
// strategy variant and resubmits the chain to the executor. The planner is
// not re-invoked.
func (c *Coordinator) resumeMultiCandidate(ctx context.Context, p *session.PausedState, parsed ParsedReply) (Resolution, error) {
	if parsed.Kind != ReplyStrategy {
		return c.reprompt(ctx, p)
	}

	cr := applyStrategy(p.Tasks, p.Ambiguity, parsed)
	result := c.Executor.Execute(ctx, p.SessionID, cr.UpdatedTasks)
	if result.Status == chain.ResultNeedsConfirmation {
		// A different task surfaced its own ambiguity; park the rewritten
		// chain under a fresh state and ask again.
		msg, err := c.Pause(ctx, p.SessionID, p.OwnerID, p.OriginalRequest, cr.UpdatedTasks, *result.Confirmation)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Status:       ResolutionPaused,
			Confirmation: result.Confirmation,
			Message:      msg,
		}, nil
	}
	return Resolution{
		Status: ResolutionExecuted,
		Result: &result,
	}, nil
}

// resumeMissingParam merges the reply with the original request into a new
// planning request. The planner is re-invoked by the orchestrator.
func (c *Coordinator) resumeMissingParam(ctx context.Context, p *session.PausedState, parsed ParsedReply) (Resolution, error) {
	ingredient := parsed.Ingredient
	if parsed.Kind == ReplyStrategy {
		// A disambiguation keyword makes no sense here; ask again.
		return c.reprompt(ctx, p)
	}
	if parsed.Kind != ReplyIngredient {
		return c.reprompt(ctx, p)
	}

	var newRequest string
	if isProceedWithout(ingredient) {
		newRequest = fmt.Sprintf("%s(食材はおまかせで)", p.OriginalRequest)
	} else {
		newRequest = fmt.Sprintf("%s(%sを使って)", p.OriginalRequest, ingredient)
	}
	return Resolution{
		Status:     ResolutionReplan,
		NewRequest: newRequest,
	}, nil
}

// reprompt keeps the flow in AwaitingConfirmation: the paused state is
// restored with its original timestamp so the TTL does not stretch.
func (c *Coordinator) reprompt(ctx context.Context, p *session.PausedState) (Resolution, error) {
	if err := c.Store.SavePaused(ctx, p); err != nil {
		return Resolution{}, fmt.Errorf("failed to restore paused state: %v", err)
	}
	return Resolution{
		Status:  ResolutionReprompt,
		Message: "すみません、聞き取れませんでした。\n" + confirmationMessage(p.Ambiguity),
	}, nil
}

// applyStrategy produces the rewritten chain: the ambiguous task's method
// gets its strategy-specific variant, original parameters are kept, and a
// strategy tag is added.
func applyStrategy(tasks []chain.Task, info chain.AmbiguityInfo, parsed ParsedReply) ConfirmationResult {
	updated := make([]chain.Task, len(tasks))
	for i, t := range tasks {
		if t.ID != info.TaskID {
			updated[i] = t
			continue
		}
		params := make(map[string]any, len(t.Parameters)+2)
		for k, v := range t.Parameters {
			params[k] = v
		}
		rewritten := t
		if parsed.ByID {
			rewritten.Method = strings.Replace(t.Method, "_by_name", "_by_id", 1)
			params["item_id"] = parsed.ItemID
			params["strategy"] = "by_id"
		} else {
			rewritten.Method = t.Method + "_" + parsed.Strategy
			params["strategy"] = parsed.Strategy
		}
		rewritten.Parameters = params
		updated[i] = rewritten
	}
	return ConfirmationResult{
		UpdatedTasks: updated,
		Context: map[string]any{
			"task_id":  info.TaskID,
			"strategy": parsed.Strategy,
		},
	}
}

// confirmationMessage renders the user-facing prompt for an ambiguity. The
// detector usually pre-renders one; the per-kind templates cover pauses
// raised mid-flight by a dispatch.
func confirmationMessage(info chain.AmbiguityInfo) string {
	if info.Message != "" {
		return info.Message
	}
	switch info.Kind {
	case chain.MultipleCandidates:
		return "対象が複数見つかりました。「最新」「古い」「全部」または番号で指定してください。「キャンセル」で中止できます。"
	case chain.MissingOptionalParameter:
		return "使いたい食材があれば教えてください。「おまかせ」でそのまま提案します。「キャンセル」で中止できます。"
	}
	return "確認が必要です。返信してください。「キャンセル」で中止できます。"
}
