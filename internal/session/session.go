package session

import (
	"context"
	"errors"
	"time"

	"github.com/sasaki2110/morizo/internal/chain"
)

// ErrNotFound is returned when a session or paused state does not exist (or
// has expired, which behaves the same).
var ErrNotFound = errors.New("session: not found")

// Stage is one step of the dish-selection flow. Transitions are strictly
// linear: Main → Sub → Soup → Completed.
type Stage string

const (
	StageMain      Stage = "main"
	StageSub       Stage = "sub"
	StageSoup      Stage = "soup"
	StageCompleted Stage = "completed"
)

// Next returns the following stage. Completed has no successor.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageMain:
		return StageSub, true
	case StageSub:
		return StageSoup, true
	case StageSoup:
		return StageCompleted, true
	}
	return s, false
}

// MenuCategory is the cuisine of the menu being assembled. It is fixed by
// the Main-stage selection and inherited by later proposals.
type MenuCategory string

const (
	CategoryJapanese MenuCategory = "和食"
	CategoryWestern  MenuCategory = "洋食"
	CategoryChinese  MenuCategory = "中華"
)

// Selection is one chosen (or proposed) recipe.
type Selection struct {
	Title       string   `json:"title"`
	Category    string   `json:"category,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`
}

// Session carries the per-conversation selection state. A session is owned
// exclusively by its (id, owner) pair; the contract assumes at most one
// in-flight request per session id, enforced by the caller.
type Session struct {
	ID              string                `json:"id"`
	OwnerID         string                `json:"owner_id"`
	CurrentStage    Stage                 `json:"current_stage"`
	Selections      map[Stage]*Selection  `json:"selections"`
	UsedIngredients []string              `json:"used_ingredients"`
	MenuCategory    MenuCategory          `json:"menu_category,omitempty"`
	ProposedTitles  map[Stage][]string    `json:"proposed_titles"`
	Candidates      map[Stage][]Selection `json:"candidates"`
	// ParentID is a weak back-reference to the session this one was spawned
	// from ("more suggestions" flows). Never an ownership edge.
	ParentID     string         `json:"parent_id,omitempty"`
	Confirmation map[string]any `json:"confirmation,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// New returns an empty session at the Main stage.
func New(id, ownerID string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		OwnerID:        ownerID,
		CurrentStage:   StageMain,
		Selections:     make(map[Stage]*Selection),
		ProposedTitles: make(map[Stage][]string),
		Candidates:     make(map[Stage][]Selection),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// PausedState is the snapshot needed to resume a chain after a confirmation
// round-trip. Created on ambiguity detection, consumed-and-deleted on
// resume or cancel; expired entries behave as not found.
type PausedState struct {
	SessionID       string              `json:"session_id"`
	OwnerID         string              `json:"owner_id"`
	Tasks           []chain.Task        `json:"tasks"`
	OriginalRequest string              `json:"original_request"`
	Ambiguity       chain.AmbiguityInfo `json:"ambiguity"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Store persists sessions and paused confirmation state. Implementations
// are injected by handle; there is no ambient global registry.
type Store interface {
	Get(ctx context.Context, sessionID, ownerID string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID, ownerID string) error

	SavePaused(ctx context.Context, p *PausedState) error
	// TakePaused returns the paused state for the session and deletes it in
	// the same step, guaranteeing single use. States older than ttl are
	// reported as ErrNotFound.
	TakePaused(ctx context.Context, sessionID string, ttl time.Duration) (*PausedState, error)
	DeletePaused(ctx context.Context, sessionID string) error

	// SweepExpired removes sessions and paused states older than maxAge and
	// reports how many of each were removed.
	SweepExpired(ctx context.Context, maxAge time.Duration) (sessions, paused int, err error)
}
