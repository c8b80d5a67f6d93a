package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/confirm"
	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/session"
	"github.com/sasaki2110/morizo/internal/stage"
)

// Response is the outcome of one user turn.
type Response struct {
	Text                  string              `json:"text"`
	SessionID             string              `json:"session_id"`
	RequiresSelection     bool                `json:"requires_selection,omitempty"`
	Candidates            []session.Selection `json:"candidates,omitempty"`
	TaskID                string              `json:"task_id,omitempty"`
	RequiresConfirmation  bool                `json:"requires_confirmation,omitempty"`
	ConfirmationSessionID string              `json:"confirmation_session_id,omitempty"`
}

// SelectionResult is the outcome of one dish selection.
type SelectionResult struct {
	Success           bool                          `json:"success"`
	SessionID         string                        `json:"session_id"`
	RequiresNextStage bool                          `json:"requires_next_stage,omitempty"`
	NextStageRequest  string                        `json:"next_stage_request,omitempty"`
	Menu              map[string]*session.Selection `json:"menu,omitempty"`
}

// Orchestrator ties the planner, executor, confirmation coordinator and
// stage manager together. It owns the two-phase parameter substitution:
// session.context references are replaced against the active session before
// the executor's reference resolver ever runs.
type Orchestrator struct {
	Planner     Planner
	Executor    *chain.Executor
	Coordinator *confirm.Coordinator
	Stages      *stage.Manager
	Store       session.Store
	Dispatcher  chain.Dispatcher
	Logger      *observability.Logger
}

func NewOrchestrator(planner Planner, executor *chain.Executor, coordinator *confirm.Coordinator, stages *stage.Manager, store session.Store, dispatcher chain.Dispatcher, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		Planner:     planner,
		Executor:    executor,
		Coordinator: coordinator,
		Stages:      stages,
		Store:       store,
		Dispatcher:  dispatcher,
		Logger:      logger,
	}
}

const genericFailureMessage = "すみません、リクエストを処理できませんでした。もう一度お試しください。"

// ProcessRequest handles one user turn. A turn tagged as a confirmation
// response goes through the coordinator first; with no saved state it falls
// through to ordinary planning.
func (o *Orchestrator) ProcessRequest(ctx context.Context, text, ownerID, sessionID string, isConfirmation bool) (*Response, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, err := o.getOrCreateSession(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if isConfirmation {
		res, err := o.Coordinator.Resume(ctx, sessionID, ownerID, text)
		switch {
		case errors.Is(err, confirm.ErrNoSavedState):
			prefix = "確認中の操作が見つからなかったため、新しいリクエストとして処理します。\n"
		case err != nil:
			return nil, err
		default:
			switch res.Status {
			case confirm.ResolutionCancelled:
				o.clearConfirmation(ctx, sess)
				observability.SetStatus(observability.PhaseIdle, "")
				return &Response{Text: res.Message, SessionID: sessionID}, nil
			case confirm.ResolutionReprompt:
				return &Response{
					Text:                  res.Message,
					SessionID:             sessionID,
					RequiresConfirmation:  true,
					ConfirmationSessionID: sessionID,
				}, nil
			case confirm.ResolutionPaused:
				o.recordConfirmation(ctx, sess, res.Confirmation)
				observability.SetStatus(observability.PhaseAwaiting, text)
				return &Response{
					Text:                  res.Message,
					SessionID:             sessionID,
					RequiresConfirmation:  true,
					ConfirmationSessionID: sessionID,
				}, nil
			case confirm.ResolutionExecuted:
				o.clearConfirmation(ctx, sess)
				if res.Result.Status == chain.ResultError {
					log.Printf("Resumed chain failed for session %s: %s", sessionID, res.Result.Message)
					return &Response{Text: genericFailureMessage, SessionID: sessionID}, nil
				}
				return o.finishExecution(ctx, sess, prefix, nil, *res.Result)
			case confirm.ResolutionReplan:
				o.clearConfirmation(ctx, sess)
				text = res.NewRequest
			}
		}
	}

	observability.SetStatus(observability.PhasePlanning, text)
	defer observability.SetStatus(observability.PhaseIdle, "")

	tasks, err := o.Planner.Plan(ctx, text, ownerID, sessionID)
	if err != nil {
		log.Printf("Planning error for session %s: %v", sessionID, err)
		return &Response{Text: prefix + genericFailureMessage, SessionID: sessionID}, nil
	}
	o.Logger.LogPlan(sessionID, len(tasks), text)

	tasks = o.substituteSessionContext(tasks, sess)

	observability.SetStatus(observability.PhaseExecuting, text)
	result := o.Executor.Execute(ctx, sessionID, tasks)

	switch result.Status {
	case chain.ResultNeedsConfirmation:
		msg, err := o.Coordinator.Pause(ctx, sessionID, ownerID, text, tasks, *result.Confirmation)
		if err != nil {
			return nil, err
		}
		o.recordConfirmation(ctx, sess, result.Confirmation)
		observability.SetStatus(observability.PhaseAwaiting, text)
		return &Response{
			Text:                  prefix + msg,
			SessionID:             sessionID,
			RequiresConfirmation:  true,
			ConfirmationSessionID: sessionID,
		}, nil

	case chain.ResultError:
		log.Printf("Chain execution failed for session %s: %s", sessionID, result.Message)
		return &Response{Text: prefix + genericFailureMessage, SessionID: sessionID}, nil
	}

	return o.finishExecution(ctx, sess, prefix, tasks, result)
}

// recordConfirmation mirrors the active ambiguity onto the session so the
// dashboard and a later turn can see what is being confirmed.
func (o *Orchestrator) recordConfirmation(ctx context.Context, sess *session.Session, info *chain.AmbiguityInfo) {
	sess.Confirmation = map[string]any{
		"task_id":   info.TaskID,
		"kind":      string(info.Kind),
		"operation": info.Operation,
	}
	if err := o.Store.Update(ctx, sess); err != nil {
		log.Printf("Error saving confirmation context: %v", err)
	}
}

// clearConfirmation removes the mirror once the confirmation flow ends,
// whether resolved, replanned or cancelled.
func (o *Orchestrator) clearConfirmation(ctx context.Context, sess *session.Session) {
	if sess.Confirmation == nil {
		return
	}
	sess.Confirmation = nil
	if err := o.Store.Update(ctx, sess); err != nil {
		log.Printf("Error clearing confirmation context: %v", err)
	}
}

// finishExecution turns a successful execution into a user-facing response.
// A proposal output switches the turn into selection mode and records the
// candidate batch on the session.
func (o *Orchestrator) finishExecution(ctx context.Context, sess *session.Session, prefix string, tasks []chain.Task, result chain.ExecutionResult) (*Response, error) {
	taskID, candidates := findCandidates(tasks, result.Outputs)
	if len(candidates) > 0 {
		st := sess.CurrentStage
		sess.Candidates[st] = candidates
		for _, c := range candidates {
			if !containsString(sess.ProposedTitles[st], c.Title) {
				sess.ProposedTitles[st] = append(sess.ProposedTitles[st], c.Title)
			}
		}
		if err := o.Store.Update(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to save session: %v", err)
		}
		return &Response{
			Text:              prefix + renderCandidates(st, candidates),
			SessionID:         sess.ID,
			RequiresSelection: true,
			Candidates:        candidates,
			TaskID:            taskID,
		}, nil
	}

	return &Response{
		Text:      prefix + renderOutputs(result.Outputs),
		SessionID: sess.ID,
	}, nil
}

// ProcessUserSelection applies one dish choice. index is 1-based; index 0
// is the "additional proposals" sentinel, which spawns a fresh child
// session pointing back at the current one.
func (o *Orchestrator) ProcessUserSelection(ctx context.Context, taskID string, index int, sessionID, ownerID, previousSessionID string) (*SelectionResult, error) {
	if index == 0 {
		return o.spawnMoreProposals(ctx, sessionID, ownerID, previousSessionID)
	}

	sess, err := o.Store.Get(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	candidates := sess.Candidates[sess.CurrentStage]
	if index < 1 || index > len(candidates) {
		return &SelectionResult{Success: false, SessionID: sessionID}, fmt.Errorf("invalid selection index %d (have %d candidates)", index, len(candidates))
	}
	selection := candidates[index-1]
	o.Logger.LogStep(sessionID, taskID, map[string]any{
		"event":     "selection",
		"stage":     string(sess.CurrentStage),
		"selection": selection.Title,
	})

	if err := o.Stages.Advance(ctx, sess, selection, o.inventoryNames(ctx, ownerID)); err != nil {
		return &SelectionResult{Success: false, SessionID: sessionID}, err
	}

	if sess.CurrentStage == session.StageCompleted {
		merged := o.Stages.AggregateSelections(ctx, sess)
		return &SelectionResult{
			Success:   true,
			SessionID: sessionID,
			Menu: map[string]*session.Selection{
				"main": merged[session.StageMain],
				"sub":  merged[session.StageSub],
				"soup": merged[session.StageSoup],
			},
		}, nil
	}

	return &SelectionResult{
		Success:           true,
		SessionID:         sessionID,
		RequiresNextStage: true,
		NextStageRequest:  nextStageRequest(sess.CurrentStage),
	}, nil
}

// spawnMoreProposals creates a child session for a fresh proposal round at
// the same stage. The child carries the parent's accumulated state but owns
// its own candidates; AggregateSelections later walks the parent link.
func (o *Orchestrator) spawnMoreProposals(ctx context.Context, sessionID, ownerID, previousSessionID string) (*SelectionResult, error) {
	// The current session owns the latest candidate batch and the full
	// exclusion list, so it is the parent; a repeated round then chains
	// child to child instead of piling onto the first parent.
	parentID := sessionID
	if parentID == "" {
		parentID = previousSessionID
	}
	parent, err := o.Store.Get(ctx, parentID, ownerID)
	if err != nil {
		return nil, err
	}

	child := session.New(uuid.NewString(), ownerID)
	child.ParentID = parent.ID
	child.CurrentStage = parent.CurrentStage
	child.MenuCategory = parent.MenuCategory
	child.UsedIngredients = append([]string(nil), parent.UsedIngredients...)
	st := parent.CurrentStage
	child.ProposedTitles[st] = append([]string(nil), parent.ProposedTitles[st]...)
	if err := o.Store.Create(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create child session: %v", err)
	}

	return &SelectionResult{
		Success:           true,
		SessionID:         child.ID,
		RequiresNextStage: true,
		NextStageRequest:  additionalProposalRequest(st, child.ProposedTitles[st]),
	}, nil
}

// substituteSessionContext is phase one of parameter resolution: every
// "session.context.<key>" value is replaced from the active session before
// the chain reaches the executor. Unknown keys stay as-is and surface as
// the target operation's own validation error.
func (o *Orchestrator) substituteSessionContext(tasks []chain.Task, sess *session.Session) []chain.Task {
	out := make([]chain.Task, len(tasks))
	for i, t := range tasks {
		params := make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			params[k] = o.substituteValue(v, sess)
		}
		out[i] = t.WithParameters(params)
	}
	return out
}

func (o *Orchestrator) substituteValue(v any, sess *session.Session) any {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "session.context.") {
			return val
		}
		key := strings.TrimPrefix(val, "session.context.")
		switch key {
		case "user_id":
			return sess.OwnerID
		case "session_id":
			return sess.ID
		case "menu_category":
			return string(sess.MenuCategory)
		case "used_ingredients":
			return append([]string(nil), sess.UsedIngredients...)
		case "proposed_titles":
			return append([]string(nil), sess.ProposedTitles[sess.CurrentStage]...)
		}
		log.Printf("Warning: unknown session context key %q", key)
		return val
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = o.substituteValue(elem, sess)
		}
		return out
	default:
		return v
	}
}

func (o *Orchestrator) getOrCreateSession(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	sess, err := o.Store.Get(ctx, sessionID, ownerID)
	if errors.Is(err, session.ErrNotFound) {
		sess = session.New(sessionID, ownerID)
		if createErr := o.Store.Create(ctx, sess); createErr != nil {
			return nil, fmt.Errorf("failed to create session: %v", createErr)
		}
		return sess, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// inventoryNames fetches the caller's inventory item names for ingredient
// matching. Failures degrade to no matches rather than failing the turn.
func (o *Orchestrator) inventoryNames(ctx context.Context, ownerID string) []string {
	out, err := o.Dispatcher.Invoke(ctx, "inventory", "inventory_list", map[string]any{"user_id": ownerID})
	if err != nil || out.Confirm != nil {
		log.Printf("Warning: inventory lookup failed: %v", err)
		return nil
	}
	data, _ := out.Value["data"].(map[string]any)
	items, _ := data["items"].([]any)
	var names []string
	for _, raw := range items {
		if m, ok := raw.(map[string]any); ok {
			if name, ok := m["item_name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// findCandidates scans outputs in chain order for a proposal batch.
func findCandidates(tasks []chain.Task, outputs map[string]map[string]any) (string, []session.Selection) {
	scan := func(id string) []session.Selection {
		res, ok := outputs[id]
		if !ok {
			return nil
		}
		data, _ := res["data"].(map[string]any)
		raw, _ := data["candidates"].([]any)
		var sels []session.Selection
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			sel := session.Selection{}
			sel.Title, _ = m["title"].(string)
			sel.Category, _ = m["category"].(string)
			if ings, ok := m["ingredients"].([]any); ok {
				for _, ing := range ings {
					if s, ok := ing.(string); ok {
						sel.Ingredients = append(sel.Ingredients, s)
					}
				}
			}
			if sel.Title != "" {
				sels = append(sels, sel)
			}
		}
		return sels
	}

	if tasks != nil {
		for i := len(tasks) - 1; i >= 0; i-- {
			if sels := scan(tasks[i].ID); len(sels) > 0 {
				return tasks[i].ID, sels
			}
		}
		return "", nil
	}
	for id := range outputs {
		if sels := scan(id); len(sels) > 0 {
			return id, sels
		}
	}
	return "", nil
}

func stageLabel(st session.Stage) string {
	switch st {
	case session.StageMain:
		return "主菜"
	case session.StageSub:
		return "副菜"
	case session.StageSoup:
		return "スープ"
	}
	return string(st)
}

func renderCandidates(st session.Stage, candidates []session.Selection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sの提案です。番号で選んでください。\n", stageLabel(st))
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s", i+1, c.Title)
		if c.Category != "" {
			fmt.Fprintf(&b, "(%s)", c.Category)
		}
		b.WriteString("\n")
	}
	b.WriteString("0. 他の提案を見る")
	return b.String()
}

// renderOutputs produces a plain completion message; inventory listings get
// a readable rendering, everything else a simple acknowledgement.
func renderOutputs(outputs map[string]map[string]any) string {
	for _, res := range outputs {
		data, _ := res["data"].(map[string]any)
		items, ok := data["items"].([]any)
		if !ok || len(items) == 0 {
			continue
		}
		var b strings.Builder
		b.WriteString("在庫の状況です。\n")
		for _, raw := range items {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["item_name"].(string)
			unit, _ := m["unit"].(string)
			qty, _ := m["quantity"].(float64)
			fmt.Fprintf(&b, "・%s %.0f%s\n", name, qty, unit)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return "完了しました。"
}

func nextStageRequest(st session.Stage) string {
	return fmt.Sprintf("%sを提案してください", stageLabel(st))
}

func additionalProposalRequest(st session.Stage, excludeTitles []string) string {
	if len(excludeTitles) == 0 {
		return fmt.Sprintf("別の%sを提案してください", stageLabel(st))
	}
	return fmt.Sprintf("別の%sを提案してください(%s以外で)", stageLabel(st), strings.Join(excludeTitles, "、"))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
