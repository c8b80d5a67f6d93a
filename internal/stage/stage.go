// Package stage implements the Main→Sub→Soup→Completed selection flow.
package stage

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/session"
)

// ErrSessionCompleted is returned when Advance is called on a session whose
// selection flow already finished.
var ErrSessionCompleted = errors.New("stage: session already completed")

// maxParentDepth bounds the parent-chain walk in AggregateSelections so a
// cyclic parent reference cannot loop forever.
const maxParentDepth = 8

// Manager moves a session through the selection stages and merges
// selections across "more suggestions" child sessions.
type Manager struct {
	Store  session.Store
	Logger *observability.Logger
}

func NewManager(store session.Store, logger *observability.Logger) *Manager {
	return &Manager{Store: store, Logger: logger}
}

// Advance records the selection at the session's current stage and moves to
// the next one. inventoryNames are the caller's known inventory item names;
// the selection's ingredients are matched against them and only the matched
// ones accumulate into UsedIngredients (unmatched names are dropped, never
// added). The Main-stage selection fixes the session's menu category.
// Transitions never skip and never regress; a Completed session rejects
// further advances.
func (m *Manager) Advance(ctx context.Context, sess *session.Session, sel session.Selection, inventoryNames []string) error {
	if sess.CurrentStage == session.StageCompleted {
		return ErrSessionCompleted
	}

	current := sess.CurrentStage
	selCopy := sel
	sess.Selections[current] = &selCopy

	for _, used := range matchIngredients(sel.Ingredients, inventoryNames) {
		if !containsString(sess.UsedIngredients, used) {
			sess.UsedIngredients = append(sess.UsedIngredients, used)
		}
	}

	if current == session.StageMain {
		sess.MenuCategory = categoryFromTag(sel.Category)
	}

	next, _ := current.Next()
	sess.CurrentStage = next

	if err := m.Store.Update(ctx, sess); err != nil {
		return err
	}
	m.Logger.LogStage(sess.ID, string(current), string(next), sel.Title)
	return nil
}

// AggregateSelections merges per-stage selections across the weak parent
// chain. The session's own values win; stages left unset locally fall back
// to the nearest ancestor that has them.
func (m *Manager) AggregateSelections(ctx context.Context, sess *session.Session) map[session.Stage]*session.Selection {
	merged := make(map[session.Stage]*session.Selection)
	stages := []session.Stage{session.StageMain, session.StageSub, session.StageSoup}

	current := sess
	for depth := 0; current != nil && depth < maxParentDepth; depth++ {
		for _, st := range stages {
			if merged[st] == nil && current.Selections[st] != nil {
				merged[st] = current.Selections[st]
			}
		}
		if current.ParentID == "" {
			break
		}
		parent, err := m.Store.Get(ctx, current.ParentID, current.OwnerID)
		if err != nil {
			// A dead parent reference just ends the walk.
			break
		}
		current = parent
	}
	return merged
}

// categoryFromTag maps a recipe's cuisine tag onto the session menu
// category. Unknown tags leave the category unset.
func categoryFromTag(tag string) session.MenuCategory {
	switch NormalizeName(tag) {
	case "和食", "わしょく", "japanese":
		return session.CategoryJapanese
	case "洋食", "ようしょく", "western":
		return session.CategoryWestern
	case "中華", "中華料理", "chinese":
		return session.CategoryChinese
	}
	return ""
}

// matchIngredients maps recipe ingredient names onto inventory item names.
// Match is exact on the normalized forms, else substring in either
// direction. The returned names are the inventory's spellings.
func matchIngredients(ingredients, inventoryNames []string) []string {
	var matched []string
	for _, ing := range ingredients {
		normIng := NormalizeName(ing)
		if normIng == "" {
			continue
		}
		for _, inv := range inventoryNames {
			normInv := NormalizeName(inv)
			if normInv == "" {
				continue
			}
			if normIng == normInv ||
				strings.Contains(normInv, normIng) ||
				strings.Contains(normIng, normInv) {
				matched = append(matched, inv)
				break
			}
		}
	}
	return matched
}

// NormalizeName canonicalizes an ingredient or tag name for matching:
// full/half-width forms are unified, katakana becomes hiragana, whitespace
// and punctuation are stripped, and ASCII is case-folded.
func NormalizeName(s string) string {
	folded := width.Fold.String(s)
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		// Katakana letters ァ..ヶ shift down to their hiragana pairs.
		if r >= 'ァ' && r <= 'ヶ' {
			r -= 0x60
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
