// Package gateway hosts the messaging front ends. Each gateway adapts one
// chat platform onto the shared conversation handler; the handler owns the
// per-chat turn state (pending selection, pending confirmation) so the
// gateways stay thin.
package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/width"

	"github.com/sasaki2110/morizo/internal/agent"
	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/session"
)

// Messenger defines the interface for communication gateways (Telegram,
// Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

const handlerFailureMessage = "すみません、処理中に問題が発生しました。もう一度お試しください。"

// chatState is the conversational state of one chat. Its mutex serializes
// turns, keeping at most one in-flight request per session.
type chatState struct {
	mu                   sync.Mutex
	sessionID            string
	previousSessionID    string
	awaitingConfirmation bool
	awaitingSelection    bool
	selectionTaskID      string
	candidateCount       int
	messenger            Messenger
}

// Handler routes inbound chat messages to the orchestrator and tracks what
// each chat is waiting for. It also implements chain.ProgressSink so
// long-running chains report back to the chat that started them.
type Handler struct {
	Orchestrator *agent.Orchestrator

	mu    sync.Mutex
	chats map[string]*chatState
}

func NewHandler(orchestrator *agent.Orchestrator) *Handler {
	return &Handler{
		Orchestrator: orchestrator,
		chats:        map[string]*chatState{},
	}
}

// HandleMessage processes one inbound message and returns the reply text.
func (h *Handler) HandleMessage(ctx context.Context, m Messenger, chatID, ownerID, text string) string {
	st := h.state(chatID, m)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.awaitingSelection {
		if n, ok := selectionIndex(text); ok && n <= st.candidateCount {
			return h.handleSelection(ctx, st, ownerID, n)
		}
		// A non-numeric reply drops out of selection mode and is treated
		// as a fresh request.
		st.awaitingSelection = false
	}

	isConfirmation := st.awaitingConfirmation
	st.awaitingConfirmation = false

	resp, err := h.Orchestrator.ProcessRequest(ctx, text, ownerID, st.sessionID, isConfirmation)
	if err != nil {
		log.Printf("Error processing request for chat %s: %v", chatID, err)
		return handlerFailureMessage
	}
	return h.applyResponse(st, resp)
}

func (h *Handler) handleSelection(ctx context.Context, st *chatState, ownerID string, index int) string {
	res, err := h.Orchestrator.ProcessUserSelection(ctx, st.selectionTaskID, index, st.sessionID, ownerID, st.previousSessionID)
	if err != nil {
		log.Printf("Error processing selection: %v", err)
		st.awaitingSelection = false
		return handlerFailureMessage
	}

	if index == 0 {
		st.previousSessionID = st.sessionID
	}
	st.sessionID = res.SessionID
	st.awaitingSelection = false

	if res.Menu != nil {
		// Conversation complete; the next message starts a fresh session.
		st.sessionID = uuid.NewString()
		st.previousSessionID = ""
		return renderMenu(res.Menu)
	}

	if res.RequiresNextStage {
		resp, err := h.Orchestrator.ProcessRequest(ctx, res.NextStageRequest, ownerID, st.sessionID, false)
		if err != nil {
			log.Printf("Error processing next stage: %v", err)
			return handlerFailureMessage
		}
		return h.applyResponse(st, resp)
	}

	return "承知しました。"
}

func (h *Handler) applyResponse(st *chatState, resp *agent.Response) string {
	st.sessionID = resp.SessionID
	st.awaitingConfirmation = resp.RequiresConfirmation
	if resp.RequiresSelection {
		st.awaitingSelection = true
		st.selectionTaskID = resp.TaskID
		st.candidateCount = len(resp.Candidates)
	} else {
		st.awaitingSelection = false
	}
	return resp.Text
}

// NotifyProgress pushes a wavefront progress update to the chat whose
// session is running. Chats with no live session are skipped.
func (h *Handler) NotifyProgress(ctx context.Context, sessionID string, p chain.Progress) {
	chatID, m := h.chatForSession(sessionID)
	if m == nil {
		return
	}
	text := fmt.Sprintf("⚙️ %d/%d 完了 (%d%%)", p.Completed, p.Total, p.Percent)
	if p.CurrentTask != "" {
		text += " - " + p.CurrentTask
	}
	if err := m.Send(chatID, text); err != nil {
		log.Printf("Error sending progress to chat %s: %v", chatID, err)
	}
}

func (h *Handler) state(chatID string, m Messenger) *chatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.chats[chatID]
	if !ok {
		st = &chatState{sessionID: uuid.NewString()}
		h.chats[chatID] = st
	}
	st.messenger = m
	return st
}

func (h *Handler) chatForSession(sessionID string) (string, Messenger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID, st := range h.chats {
		if st.sessionID == sessionID || st.previousSessionID == sessionID {
			return chatID, st.messenger
		}
	}
	return "", nil
}

// selectionIndex parses a reply as a candidate number. Full-width digits
// are accepted.
func selectionIndex(text string) (int, bool) {
	s := strings.TrimSpace(width.Fold.String(text))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "番目"), "番")
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func renderMenu(menu map[string]*session.Selection) string {
	var b strings.Builder
	b.WriteString("献立が決まりました!\n")
	for _, entry := range []struct {
		key   string
		label string
	}{
		{"main", "主菜"},
		{"sub", "副菜"},
		{"soup", "スープ"},
	} {
		sel := menu[entry.key]
		if sel == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s", entry.label, sel.Title)
		if len(sel.Ingredients) > 0 {
			fmt.Fprintf(&b, "(%s)", strings.Join(sel.Ingredients, "、"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
