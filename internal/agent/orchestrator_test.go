package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/confirm"
	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/session"
	"github.com/sasaki2110/morizo/internal/stage"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	paused   map[string]*session.PausedState
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*session.Session{},
		paused:   map[string]*session.PausedState{},
	}
}

func (m *memStore) Get(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (m *memStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) Update(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return session.ErrNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) Delete(ctx context.Context, sessionID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *memStore) SavePaused(ctx context.Context, p *session.PausedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[p.SessionID] = p
	return nil
}

func (m *memStore) TakePaused(ctx context.Context, sessionID string, ttl time.Duration) (*session.PausedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paused[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	delete(m.paused, sessionID)
	if time.Since(p.CreatedAt) > ttl {
		return nil, session.ErrNotFound
	}
	return p, nil
}

func (m *memStore) DeletePaused(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, sessionID)
	return nil
}

func (m *memStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, int, error) {
	return 0, 0, nil
}

type fakePlanner struct {
	tasks    []chain.Task
	err      error
	lastText string
}

func (f *fakePlanner) Plan(ctx context.Context, text, ownerID, sessionID string) ([]chain.Task, error) {
	f.lastText = text
	return f.tasks, f.err
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []string
	params  []map[string]any
	handler func(service, method string, params map[string]any) (chain.Outcome, error)
}

func (f *fakeDispatcher) Invoke(ctx context.Context, service, method string, params map[string]any) (chain.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(service, method, params)
	}
	return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
}

func newTestOrchestrator(planner Planner, d chain.Dispatcher, store session.Store, withDetector bool) *Orchestrator {
	logger := observability.NewLogger()
	var detector *chain.Detector
	if withDetector {
		detector = chain.NewDetector(d)
	}
	executor := chain.NewExecutor(d, detector, nil, logger)
	coordinator := confirm.NewCoordinator(store, executor, time.Minute, logger)
	stages := stage.NewManager(store, logger)
	return NewOrchestrator(planner, executor, coordinator, stages, store, d, logger)
}

func proposalHandler(service, method string, params map[string]any) (chain.Outcome, error) {
	if strings.HasPrefix(method, "propose_") {
		return chain.Outcome{Value: map[string]any{
			"success": true,
			"data": map[string]any{"candidates": []any{
				map[string]any{"title": "鶏の照り焼き", "category": "和食", "ingredients": []any{"鶏もも肉"}},
				map[string]any{"title": "豚の生姜焼き", "category": "和食", "ingredients": []any{"豚ロース"}},
			}},
		}}, nil
	}
	return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{"items": []any{}}}}, nil
}

func TestProcessRequest_SessionContextSubstitution(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_list",
			Parameters: map[string]any{"user_id": "session.context.user_id"}},
	}}
	o := newTestOrchestrator(planner, d, store, false)

	resp, err := o.ProcessRequest(context.Background(), "在庫を見せて", "u1", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "s1" {
		t.Errorf("expected session s1, got %s", resp.SessionID)
	}
	if len(d.params) != 1 || d.params[0]["user_id"] != "u1" {
		t.Errorf("session context not substituted: %v", d.params)
	}
	if _, err := store.Get(context.Background(), "s1", "u1"); err != nil {
		t.Error("session must be created on first contact")
	}
}

func TestProcessRequest_PlannerErrorIsGraceful(t *testing.T) {
	store := newMemStore()
	planner := &fakePlanner{err: errors.New("model offline")}
	o := newTestOrchestrator(planner, &fakeDispatcher{}, store, false)

	resp, err := o.ProcessRequest(context.Background(), "なにか", "u1", "s1", false)
	if err != nil {
		t.Fatal("planner failures must not escape as errors")
	}
	if resp.Text == "" {
		t.Error("expected an apology message")
	}
}

func TestProcessRequest_ProposalEntersSelectionMode(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: proposalHandler}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "recipe", Method: "propose_main_dishes",
			Parameters: map[string]any{"ingredient": "鶏もも肉"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)

	resp, err := o.ProcessRequest(context.Background(), "主菜を提案して", "u1", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.RequiresSelection {
		t.Fatal("a proposal output must switch into selection mode")
	}
	if len(resp.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(resp.Candidates))
	}
	if resp.TaskID != "task1" {
		t.Errorf("expected task1 as proposing task, got %s", resp.TaskID)
	}

	sess, _ := store.Get(context.Background(), "s1", "u1")
	if len(sess.Candidates[session.StageMain]) != 2 {
		t.Error("candidates must be recorded on the session")
	}
	if len(sess.ProposedTitles[session.StageMain]) != 2 {
		t.Error("proposed titles must accumulate")
	}
}

func TestProcessUserSelection_AdvancesStages(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: proposalHandler}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "recipe", Method: "propose_main_dishes",
			Parameters: map[string]any{"ingredient": "鶏もも肉"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	if _, err := o.ProcessRequest(ctx, "主菜を提案して", "u1", "s1", false); err != nil {
		t.Fatal(err)
	}

	res, err := o.ProcessUserSelection(ctx, "task1", 1, "s1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.RequiresNextStage {
		t.Fatalf("expected next-stage request, got %+v", res)
	}
	if res.NextStageRequest == "" {
		t.Error("next stage request text missing")
	}

	sess, _ := store.Get(ctx, "s1", "u1")
	if sess.CurrentStage != session.StageSub {
		t.Errorf("expected sub stage, got %s", sess.CurrentStage)
	}
	if sess.MenuCategory != session.CategoryJapanese {
		t.Errorf("main selection must fix the category, got %s", sess.MenuCategory)
	}
}

func TestProcessUserSelection_CompletesMenu(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: proposalHandler}
	planner := &fakePlanner{}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	sess := session.New("s1", "u1")
	sess.CurrentStage = session.StageSoup
	sess.Selections[session.StageMain] = &session.Selection{Title: "主菜X"}
	sess.Selections[session.StageSub] = &session.Selection{Title: "副菜Y"}
	sess.Candidates[session.StageSoup] = []session.Selection{{Title: "味噌汁"}}
	store.Create(ctx, sess)

	res, err := o.ProcessUserSelection(ctx, "task1", 1, "s1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Menu == nil {
		t.Fatal("completing the soup stage must return the full menu")
	}
	if res.Menu["main"].Title != "主菜X" || res.Menu["sub"].Title != "副菜Y" || res.Menu["soup"].Title != "味噌汁" {
		t.Errorf("unexpected menu: %+v", res.Menu)
	}
	if res.RequiresNextStage {
		t.Error("a completed menu has no next stage")
	}
}

func TestProcessUserSelection_ZeroSpawnsChildSession(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: proposalHandler}
	o := newTestOrchestrator(&fakePlanner{}, d, store, true)
	ctx := context.Background()

	sess := session.New("s1", "u1")
	sess.MenuCategory = session.CategoryJapanese
	sess.ProposedTitles[session.StageMain] = []string{"鶏の照り焼き"}
	store.Create(ctx, sess)

	res, err := o.ProcessUserSelection(ctx, "task1", 0, "s1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresNextStage || res.SessionID == "s1" {
		t.Fatalf("expected a fresh child session, got %+v", res)
	}

	child, err := store.Get(ctx, res.SessionID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentID != "s1" {
		t.Errorf("child must point back at its parent, got %q", child.ParentID)
	}
	if child.MenuCategory != session.CategoryJapanese {
		t.Error("child must inherit the fixed category")
	}
	if len(child.ProposedTitles[session.StageMain]) != 1 {
		t.Error("child must inherit proposed titles for exclusion")
	}
}

func TestProcessUserSelection_RepeatedZeroChainsChildren(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: proposalHandler}
	o := newTestOrchestrator(&fakePlanner{}, d, store, true)
	ctx := context.Background()

	sess := session.New("s1", "u1")
	sess.ProposedTitles[session.StageMain] = []string{"鶏の照り焼き"}
	store.Create(ctx, sess)

	res1, err := o.ProcessUserSelection(ctx, "task1", 0, "s1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	first, err := store.Get(ctx, res1.SessionID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// The first round proposed a new dish before the user asked again.
	first.ProposedTitles[session.StageMain] = append(first.ProposedTitles[session.StageMain], "豚の生姜焼き")
	if err := store.Update(ctx, first); err != nil {
		t.Fatal(err)
	}

	res2, err := o.ProcessUserSelection(ctx, "task1", 0, first.ID, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Get(ctx, res2.SessionID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ParentID != first.ID {
		t.Errorf("a repeated round must parent the newest child, got %q", second.ParentID)
	}
	titles := second.ProposedTitles[session.StageMain]
	if len(titles) != 2 {
		t.Fatalf("exclusion list must carry every earlier title, got %v", titles)
	}
	if !strings.Contains(res2.NextStageRequest, "鶏の照り焼き") || !strings.Contains(res2.NextStageRequest, "豚の生姜焼き") {
		t.Errorf("every earlier title must be excluded, got %q", res2.NextStageRequest)
	}
}

func TestProcessUserSelection_InvalidIndex(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(&fakePlanner{}, &fakeDispatcher{}, store, false)
	ctx := context.Background()

	sess := session.New("s1", "u1")
	sess.Candidates[session.StageMain] = []session.Selection{{Title: "一品だけ"}}
	store.Create(ctx, sess)

	res, err := o.ProcessUserSelection(ctx, "task1", 5, "s1", "u1", "")
	if err == nil {
		t.Fatal("out-of-range index must fail")
	}
	if res == nil || res.Success {
		t.Error("failed selection must not report success")
	}
}

func TestProcessRequest_ConfirmationRoundTrip(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: func(service, method string, params map[string]any) (chain.Outcome, error) {
		if method == "inventory_list_by_name" {
			return chain.Outcome{Value: map[string]any{
				"success": true,
				"data": map[string]any{"items": []any{
					map[string]any{"item_id": int64(1), "item_name": "牛乳"},
					map[string]any{"item_id": int64(2), "item_name": "牛乳"},
				}},
			}}, nil
		}
		return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
	}}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	resp, err := o.ProcessRequest(ctx, "牛乳を消して", "u1", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.RequiresConfirmation {
		t.Fatal("duplicate matches must pause for confirmation")
	}
	if resp.ConfirmationSessionID != "s1" {
		t.Errorf("confirmation must stay on the session, got %s", resp.ConfirmationSessionID)
	}
	for _, m := range d.calls {
		if m == "inventory_delete_by_name" {
			t.Fatal("the ambiguous operation must not have run")
		}
	}

	resp, err = o.ProcessRequest(ctx, "最新", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range d.calls {
		if m == "inventory_delete_by_name_latest" {
			found = true
		}
	}
	if !found {
		t.Errorf("resume must run the strategy variant, calls: %v", d.calls)
	}
	if resp.RequiresConfirmation {
		t.Error("resolved confirmation must not re-prompt")
	}
	sess, _ := store.Get(ctx, "s1", "u1")
	if sess.Confirmation != nil {
		t.Error("a resolved confirmation must clear the session mirror")
	}
}

func TestProcessRequest_ResumedChainFailureIsGraceful(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: func(service, method string, params map[string]any) (chain.Outcome, error) {
		switch method {
		case "inventory_list_by_name":
			return chain.Outcome{Value: map[string]any{
				"success": true,
				"data": map[string]any{"items": []any{
					map[string]any{"item_id": int64(1), "item_name": "牛乳"},
					map[string]any{"item_id": int64(2), "item_name": "牛乳"},
				}},
			}}, nil
		case "inventory_delete_by_name_oldest":
			return chain.Outcome{}, errors.New("database is locked")
		}
		return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
	}}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
		{ID: "task2", Service: "inventory", Method: "inventory_list",
			Parameters: map[string]any{"user_id": "u1"}, DependsOn: []string{"task1"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	if _, err := o.ProcessRequest(ctx, "牛乳を消して在庫を見せて", "u1", "s1", false); err != nil {
		t.Fatal(err)
	}

	// The rewritten task errors and stalls its dependent; the user must see
	// a failure, not a completion notice.
	resp, err := o.ProcessRequest(ctx, "古い", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequiresConfirmation {
		t.Error("a failed resume is not another confirmation")
	}
	if strings.Contains(resp.Text, "完了") {
		t.Errorf("a failed chain must not read as success, got %q", resp.Text)
	}
	if !strings.Contains(resp.Text, "もう一度お試しください") {
		t.Errorf("expected the failure message, got %q", resp.Text)
	}
}

func TestProcessRequest_ResumeRepausesOnSecondAmbiguity(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: func(service, method string, params map[string]any) (chain.Outcome, error) {
		if method == "inventory_list_by_name" {
			name, _ := params["item_name"].(string)
			return chain.Outcome{Value: map[string]any{
				"success": true,
				"data": map[string]any{"items": []any{
					map[string]any{"item_id": int64(1), "item_name": name},
					map[string]any{"item_id": int64(2), "item_name": name},
				}},
			}}, nil
		}
		return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
	}}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
		{ID: "task2", Service: "inventory", Method: "inventory_update_by_name",
			Parameters: map[string]any{"item_name": "卵", "quantity": 3.0, "user_id": "u1"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	if _, err := o.ProcessRequest(ctx, "牛乳を消して卵を3個にして", "u1", "s1", false); err != nil {
		t.Fatal(err)
	}

	resp, err := o.ProcessRequest(ctx, "最新", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.RequiresConfirmation {
		t.Fatal("the second ambiguous task must pause the flow again")
	}
	sess, _ := store.Get(ctx, "s1", "u1")
	if sess.Confirmation == nil || sess.Confirmation["task_id"] != "task2" {
		t.Errorf("session must mirror the new confirmation, got %v", sess.Confirmation)
	}
	for _, m := range d.calls {
		if strings.HasPrefix(m, "inventory_delete_by_name_") || strings.HasPrefix(m, "inventory_update_by_name_") {
			t.Fatalf("nothing may run while a confirmation is pending, got %s", m)
		}
	}

	resp, err = o.ProcessRequest(ctx, "全部", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequiresConfirmation {
		t.Error("both ambiguities resolved, no further prompt expected")
	}
	var ranDelete, ranUpdate bool
	for _, m := range d.calls {
		if m == "inventory_delete_by_name_latest" {
			ranDelete = true
		}
		if m == "inventory_update_by_name_all" {
			ranUpdate = true
		}
	}
	if !ranDelete || !ranUpdate {
		t.Errorf("both rewritten tasks must run, calls: %v", d.calls)
	}
}

func TestProcessRequest_ConfirmationWithoutStateFallsThrough(t *testing.T) {
	store := newMemStore()
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_list",
			Parameters: map[string]any{"user_id": "u1"}},
	}}
	o := newTestOrchestrator(planner, &fakeDispatcher{}, store, false)

	resp, err := o.ProcessRequest(context.Background(), "在庫を見せて", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if planner.lastText != "在庫を見せて" {
		t.Error("with no saved state the turn must be planned as-is")
	}
	if !strings.Contains(resp.Text, "新しいリクエスト") {
		t.Errorf("user must be told the confirmation expired, got %q", resp.Text)
	}
}

func TestProcessRequest_CancelClearsConfirmation(t *testing.T) {
	store := newMemStore()
	d := &fakeDispatcher{handler: func(service, method string, params map[string]any) (chain.Outcome, error) {
		return chain.Outcome{Value: map[string]any{
			"success": true,
			"data": map[string]any{"items": []any{
				map[string]any{"item_id": int64(1), "item_name": "牛乳"},
				map[string]any{"item_id": int64(2), "item_name": "牛乳"},
			}},
		}}, nil
	}}
	planner := &fakePlanner{tasks: []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
	}}
	o := newTestOrchestrator(planner, d, store, true)
	ctx := context.Background()

	if _, err := o.ProcessRequest(ctx, "牛乳を消して", "u1", "s1", false); err != nil {
		t.Fatal(err)
	}

	resp, err := o.ProcessRequest(ctx, "キャンセル", "u1", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequiresConfirmation {
		t.Error("cancel ends the confirmation flow")
	}
	if !strings.Contains(resp.Text, "キャンセル") {
		t.Errorf("expected cancellation notice, got %q", resp.Text)
	}
	sess, _ := store.Get(ctx, "s1", "u1")
	if sess.Confirmation != nil {
		t.Error("cancel must clear the session's confirmation context")
	}
}
