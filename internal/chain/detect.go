package chain

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Detector statically classifies a whole plan as ambiguous or not before
// anything executes. Detection is limited to a fixed registry of operations
// known to be disambiguation-sensitive; every other operation is never
// flagged.
type Detector struct {
	dispatcher Dispatcher

	// multiCandidateOps are update/delete-style operations that act on a
	// record "by name"; probed through the dispatcher for candidate counts.
	multiCandidateOps map[string]bool
	// optionalParamOps maps proposal-style operations to the optional
	// qualifying parameter they support.
	optionalParamOps map[string]string
}

func NewDetector(dispatcher Dispatcher) *Detector {
	return &Detector{
		dispatcher: dispatcher,
		multiCandidateOps: map[string]bool{
			"inventory_update_by_name": true,
			"inventory_delete_by_name": true,
		},
		optionalParamOps: map[string]string{
			"propose_main_dishes": "ingredient",
		},
	}
}

// Inspect classifies the plan. All ambiguous tasks are collected in plan
// order, but callers surface only the first.
func (d *Detector) Inspect(ctx context.Context, tasks []Task) AmbiguityResult {
	var found []AmbiguityInfo
	for _, t := range tasks {
		if info, ok := d.inspectTask(ctx, t); ok {
			found = append(found, info)
		}
	}
	return AmbiguityResult{
		RequiresConfirmation: len(found) > 0,
		AmbiguousTasks:       found,
	}
}

func (d *Detector) inspectTask(ctx context.Context, t Task) (AmbiguityInfo, bool) {
	if d.multiCandidateOps[t.Method] {
		return d.inspectByName(ctx, t)
	}
	if param, ok := d.optionalParamOps[t.Method]; ok {
		return d.inspectOptionalParam(t, param)
	}
	return AmbiguityInfo{}, false
}

// inspectByName probes the inventory for the named item. More than one match
// without a disambiguation strategy needs the user to pick.
func (d *Detector) inspectByName(ctx context.Context, t Task) (AmbiguityInfo, bool) {
	if _, ok := t.Parameters["strategy"]; ok {
		return AmbiguityInfo{}, false
	}
	name, ok := t.Parameters["item_name"].(string)
	if !ok || name == "" {
		return AmbiguityInfo{}, false
	}
	// A referenced name cannot be probed before its producing task ran.
	if isReference(name) {
		return AmbiguityInfo{}, false
	}

	probe := map[string]any{"item_name": name}
	if owner, ok := t.Parameters["user_id"].(string); ok {
		probe["user_id"] = owner
	}
	out, err := d.dispatcher.Invoke(ctx, t.Service, "inventory_list_by_name", probe)
	if err != nil {
		log.Printf("Warning: candidate probe for %q failed: %v", name, err)
		return AmbiguityInfo{}, false
	}
	candidates := extractItems(out.Value)
	if len(candidates) <= 1 {
		return AmbiguityInfo{}, false
	}

	return AmbiguityInfo{
		TaskID:     t.ID,
		Operation:  t.Method,
		Kind:       MultipleCandidates,
		Candidates: candidates,
		Message:    multiCandidateMessage(name, candidates),
		Parameters: t.Parameters,
	}, true
}

// inspectOptionalParam flags a proposal planned without its optional
// qualifier. This always triggers confirmation: the user chooses between
// naming an ingredient and proceeding without one.
func (d *Detector) inspectOptionalParam(t Task, param string) (AmbiguityInfo, bool) {
	if v, ok := t.Parameters[param].(string); ok && v != "" {
		return AmbiguityInfo{}, false
	}
	return AmbiguityInfo{
		TaskID:     t.ID,
		Operation:  t.Method,
		Kind:       MissingOptionalParameter,
		Options:    []string{"食材を指定する", "おまかせで提案する"},
		Message:    missingParamMessage(),
		Parameters: t.Parameters,
	}, true
}

func multiCandidateMessage(name string, candidates []map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "「%s」に一致する在庫が%d件あります。どれを対象にしますか?\n", name, len(candidates))
	for i, c := range candidates {
		title, _ := c["item_name"].(string)
		fmt.Fprintf(&b, "%d. %s", i+1, title)
		if added, ok := c["created_at"].(string); ok && added != "" {
			fmt.Fprintf(&b, " (%s)", added)
		}
		b.WriteString("\n")
	}
	b.WriteString("「最新」「古い」「全部」または番号で指定してください。「キャンセル」で中止できます。")
	return b.String()
}

func missingParamMessage() string {
	return "主菜に使いたい食材はありますか?\n食材名を入力するか、「おまかせ」と返信するとそのまま提案します。「キャンセル」で中止できます。"
}

// isReference reports whether a parameter value is a reference expression
// rather than a plain literal.
func isReference(s string) bool {
	if strings.HasPrefix(s, sessionContextPrefix) {
		return true
	}
	_, ok := parsePath(s)
	return ok
}

func extractItems(value map[string]any) []map[string]any {
	data, _ := value["data"].(map[string]any)
	raw, _ := data["items"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}
