package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/observability"
	"github.com/sasaki2110/morizo/internal/session"
)

// memStore is an in-memory session.Store for coordinator tests.
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

// methodRecorder is a dispatcher that records invoked methods.
type methodRecorder struct {
	mu      sync.Mutex
	methods []string
	params  []map[string]any
}

func (r *methodRecorder) Invoke(ctx context.Context, service, method string, params map[string]any) (chain.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	r.params = append(r.params, params)
	return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
}

// confirmingRecorder confirms on one method and succeeds on the rest.
type confirmingRecorder struct {
	methodRecorder
	confirmOn string
}

func (r *confirmingRecorder) Invoke(ctx context.Context, service, method string, params map[string]any) (chain.Outcome, error) {
	r.mu.Lock()
	r.methods = append(r.methods, method)
	r.params = append(r.params, params)
	r.mu.Unlock()
	if method == r.confirmOn {
		return chain.Outcome{Confirm: &chain.ConfirmRequest{
			Message: "「卵」に一致する在庫が複数あります。どれを対象にしますか?",
			Context: map[string]any{"kind": string(chain.MultipleCandidates)},
		}}, nil
	}
	return chain.Outcome{Value: map[string]any{"success": true, "data": map[string]any{}}}, nil
}

func newTestCoordinator(store session.Store, d chain.Dispatcher, ttl time.Duration) *Coordinator {
	logger := observability.NewLogger()
	executor := chain.NewExecutor(d, nil, nil, logger)
	return NewCoordinator(store, executor, ttl, logger)
}

func multiCandidatePause() ([]chain.Task, chain.AmbiguityInfo) {
	tasks := []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
	}
	info := chain.AmbiguityInfo{
		TaskID:    "task1",
		Operation: "inventory_delete_by_name",
		Kind:      chain.MultipleCandidates,
		Message:   "どれを対象にしますか?",
	}
	return tasks, info
}

func TestPauseThenResumeWithStrategy(t *testing.T) {
	store := newMemStore()
	rec := &methodRecorder{}
	c := newTestCoordinator(store, rec, time.Minute)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	msg, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info)
	if err != nil {
		t.Fatal(err)
	}
	if msg != info.Message {
		t.Errorf("pause must return the rendered prompt, got %q", msg)
	}

	res, err := c.Resume(ctx, "s1", "u1", "古いのをお願いします")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionExecuted {
		t.Fatalf("expected executed, got %s", res.Status)
	}
	if len(rec.methods) != 1 || rec.methods[0] != "inventory_delete_by_name_oldest" {
		t.Errorf("expected rewritten strategy variant, got %v", rec.methods)
	}
	if rec.params[0]["strategy"] != "oldest" {
		t.Error("rewritten task must carry the strategy tag")
	}
	if rec.params[0]["item_name"] != "牛乳" {
		t.Error("original parameters must be preserved")
	}
}

func TestResumeByNumericID(t *testing.T) {
	store := newMemStore()
	rec := &methodRecorder{}
	c := newTestCoordinator(store, rec, time.Minute)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info); err != nil {
		t.Fatal(err)
	}

	res, err := c.Resume(ctx, "s1", "u1", "2番")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionExecuted {
		t.Fatalf("expected executed, got %s", res.Status)
	}
	if rec.methods[0] != "inventory_delete_by_id" {
		t.Errorf("expected by-id rewrite, got %v", rec.methods)
	}
	if rec.params[0]["item_id"] != int64(2) {
		t.Errorf("expected item_id 2, got %v", rec.params[0]["item_id"])
	}
}

func TestResumeCancelAlwaysWins(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &methodRecorder{}, time.Minute)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info); err != nil {
		t.Fatal(err)
	}

	res, err := c.Resume(ctx, "s1", "u1", "やっぱりキャンセルで")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	if res.Message == "" {
		t.Error("cancellation needs a user-facing message")
	}

	// The state was consumed; a second resume finds nothing.
	if _, err := c.Resume(ctx, "s1", "u1", "最新"); !errors.Is(err, ErrNoSavedState) {
		t.Errorf("expected ErrNoSavedState after cancel, got %v", err)
	}
}

func TestResumeNoState(t *testing.T) {
	c := newTestCoordinator(newMemStore(), &methodRecorder{}, time.Minute)
	if _, err := c.Resume(context.Background(), "s1", "u1", "最新"); !errors.Is(err, ErrNoSavedState) {
		t.Errorf("expected ErrNoSavedState, got %v", err)
	}
}

func TestResumeOwnerMismatch(t *testing.T) {
	store := newMemStore()
	rec := &methodRecorder{}
	c := newTestCoordinator(store, rec, time.Minute)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resume(ctx, "s1", "intruder", "最新"); !errors.Is(err, ErrNoSavedState) {
		t.Errorf("another owner must see no state, got %v", err)
	}
	if len(rec.methods) != 0 {
		t.Error("a mismatched owner must not execute anything")
	}

	// The real owner's confirmation survives the stray attempt.
	res, err := c.Resume(ctx, "s1", "u1", "最新")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionExecuted {
		t.Errorf("expected executed for the real owner, got %s", res.Status)
	}
}

func TestResumeRepausesOnFurtherAmbiguity(t *testing.T) {
	store := newMemStore()
	rec := &confirmingRecorder{confirmOn: "inventory_update_by_name"}
	c := newTestCoordinator(store, rec, time.Minute)
	ctx := context.Background()

	tasks := []chain.Task{
		{ID: "task1", Service: "inventory", Method: "inventory_delete_by_name",
			Parameters: map[string]any{"item_name": "牛乳", "user_id": "u1"}},
		{ID: "task2", Service: "inventory", Method: "inventory_update_by_name",
			Parameters: map[string]any{"item_name": "卵", "quantity": 3.0, "user_id": "u1"}},
	}
	info := chain.AmbiguityInfo{
		TaskID:    "task1",
		Operation: "inventory_delete_by_name",
		Kind:      chain.MultipleCandidates,
		Message:   "どれを対象にしますか?",
	}
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して卵を3個にして", tasks, info); err != nil {
		t.Fatal(err)
	}

	res, err := c.Resume(ctx, "s1", "u1", "最新")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionPaused {
		t.Fatalf("expected paused, got %s", res.Status)
	}
	if res.Confirmation == nil || res.Confirmation.TaskID != "task2" {
		t.Fatalf("new ambiguity must point at the second task, got %+v", res.Confirmation)
	}
	if res.Message == "" {
		t.Error("a re-pause needs a user-facing prompt")
	}

	p, ok := store.paused["s1"]
	if !ok {
		t.Fatal("the rewritten chain must be parked again")
	}
	if p.Tasks[0].Method != "inventory_delete_by_name_latest" {
		t.Errorf("saved chain must keep the first rewrite, got %s", p.Tasks[0].Method)
	}
	if p.Ambiguity.TaskID != "task2" {
		t.Errorf("saved ambiguity must be the new one, got %s", p.Ambiguity.TaskID)
	}

	// The second reply resolves the remaining task.
	res, err = c.Resume(ctx, "s1", "u1", "全部")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionExecuted {
		t.Fatalf("expected executed on the second reply, got %s", res.Status)
	}
}

func TestResumeExpiredState(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &methodRecorder{}, 10*time.Millisecond)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Resume(ctx, "s1", "u1", "最新"); !errors.Is(err, ErrNoSavedState) {
		t.Errorf("expired state must behave as not found, got %v", err)
	}
}

func TestResumeUnrecognizedReprompts(t *testing.T) {
	store := newMemStore()
	rec := &methodRecorder{}
	c := newTestCoordinator(store, rec, time.Minute)
	ctx := context.Background()

	tasks, info := multiCandidatePause()
	if _, err := c.Pause(ctx, "s1", "u1", "牛乳を消して", tasks, info); err != nil {
		t.Fatal(err)
	}
	created := store.paused["s1"].CreatedAt

	res, err := c.Resume(ctx, "s1", "u1", "今日はいい天気ですね、ところで昨日のニュースを見ましたか")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionReprompt {
		t.Fatalf("expected reprompt, got %s", res.Status)
	}
	if len(rec.methods) != 0 {
		t.Error("a reprompt must not execute anything")
	}

	// State is restored with its original timestamp so the TTL doesn't slide.
	restored, ok := store.paused["s1"]
	if !ok {
		t.Fatal("paused state must be restored for the next attempt")
	}
	if !restored.CreatedAt.Equal(created) {
		t.Error("reprompt must keep the original timestamp")
	}

	// The flow stays resumable.
	res, err = c.Resume(ctx, "s1", "u1", "全部")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionExecuted {
		t.Errorf("expected executed on second attempt, got %s", res.Status)
	}
}

func TestResumeMissingParamWithIngredient(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &methodRecorder{}, time.Minute)
	ctx := context.Background()

	tasks := []chain.Task{
		{ID: "task1", Service: "recipe", Method: "propose_main_dishes", Parameters: map[string]any{}},
	}
	info := chain.AmbiguityInfo{
		TaskID:    "task1",
		Operation: "propose_main_dishes",
		Kind:      chain.MissingOptionalParameter,
		Message:   "主菜に使いたい食材はありますか?",
	}
	if _, err := c.Pause(ctx, "s1", "u1", "主菜を提案して", tasks, info); err != nil {
		t.Fatal(err)
	}

	res, err := c.Resume(ctx, "s1", "u1", "豚肉でお願いします")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionReplan {
		t.Fatalf("expected replan, got %s", res.Status)
	}
	if res.NewRequest != "主菜を提案して(豚肉を使って)" {
		t.Errorf("unexpected replan request: %q", res.NewRequest)
	}
}

func TestResumeMissingParamProceedWithout(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &methodRecorder{}, time.Minute)
	ctx := context.Background()

	tasks := []chain.Task{
		{ID: "task1", Service: "recipe", Method: "propose_main_dishes", Parameters: map[string]any{}},
	}
	info := chain.AmbiguityInfo{
		TaskID: "task1", Operation: "propose_main_dishes",
		Kind: chain.MissingOptionalParameter,
	}
	if _, err := c.Pause(ctx, "s1", "u1", "主菜を提案して", tasks, info); err != nil {
		t.Fatal(err)
	}

	res, err := c.Resume(ctx, "s1", "u1", "おまかせ")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ResolutionReplan {
		t.Fatalf("expected replan, got %s", res.Status)
	}
	if res.NewRequest != "主菜を提案して(食材はおまかせで)" {
		t.Errorf("unexpected replan request: %q", res.NewRequest)
	}
}
