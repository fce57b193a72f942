package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akiyama/feedpipe/internal/model"
)

// --- モック定義 ---

// memChangeLog はChangeLogRepositoryのインメモリ実装。
type memChangeLog struct {
	events []model.ChangeEvent
}

func (m *memChangeLog) ListAfter(ctx context.Context, seq int64, limit int) ([]model.ChangeEvent, error) {
	var out []model.ChangeEvent
	for _, ev := range m.events {
		if ev.Seq > seq {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memChangeLog) MaxSeq(ctx context.Context) (int64, error) {
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Seq, nil
}

func (m *memChangeLog) DeleteConsumed(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// memCheckpoints はCheckpointRepositoryのインメモリ実装。
type memCheckpoints struct {
	mu   sync.Mutex
	seqs map[string]int64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{seqs: make(map[string]int64)}
}

func (m *memCheckpoints) Load(ctx context.Context, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[group], nil
}

func (m *memCheckpoints) Commit(ctx context.Context, group string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.seqs[group] {
		m.seqs[group] = seq
	}
	return nil
}

// memDeadLetters はDeadLetterRepositoryのインメモリ実装。
type memDeadLetters struct {
	mu      sync.Mutex
	created []*model.DeadLetter
}

func (m *memDeadLetters) Create(ctx context.Context, dl *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, dl)
	return nil
}

func (m *memDeadLetters) List(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created, nil
}

func (m *memDeadLetters) CountByFeedID(ctx context.Context, feedID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, dl := range m.created {
		if dl.FeedID == feedID {
			count++
		}
	}
	return count, nil
}

// nopCollector はMetricsCollectorの何もしない実装。
type nopCollector struct{}

func (nopCollector) RecordPollSuccess(feedID string)                {}
func (nopCollector) RecordPollFailure(feedID string, reason string) {}
func (nopCollector) RecordParseFailure(feedID string)               {}
func (nopCollector) RecordHTTPStatus(statusCode int)                {}
func (nopCollector) RecordPollLatency(duration time.Duration)       {}
func (nopCollector) RecordItemsInserted(count int)                  {}
func (nopCollector) RecordItemsDuplicate(count int)                 {}
func (nopCollector) RecordTaskRedelivered()                         {}
func (nopCollector) RecordDeadLetter(kind string)                   {}
func (nopCollector) RecordEventHandled(group string)                {}
func (nopCollector) SetQueueDepth(depth int)                        {}

// recordingHandler は処理したイベントを記録するハンドラ。
type recordingHandler struct {
	mu         sync.Mutex
	handled    []int64
	handleFunc func(ctx context.Context, ev model.ChangeEvent) error
}

func (h *recordingHandler) Handle(ctx context.Context, ev model.ChangeEvent) error {
	h.mu.Lock()
	h.handled = append(h.handled, ev.Seq)
	h.mu.Unlock()
	if h.handleFunc != nil {
		return h.handleFunc(ctx, ev)
	}
	return nil
}

func (h *recordingHandler) handledSeqs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.handled))
	copy(out, h.handled)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func feedEvents(n int) []model.ChangeEvent {
	events := make([]model.ChangeEvent, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, model.ChangeEvent{
			Seq:        int64(i),
			EntityType: model.EntityTypeFeed,
			EntityKey:  fmt.Sprintf("feed-%d", i),
			Op:         model.ChangeOpUpdate,
			CreatedAt:  time.Now(),
		})
	}
	return events
}

func newTestNotifier(log *memChangeLog, cps *memCheckpoints, dls *memDeadLetters, maxRetries int) *Notifier {
	n := NewNotifier(log, cps, dls, nopCollector{}, testLogger(), 100, maxRetries)
	// テストでは再試行間隔を最小化する
	n.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return n
}

// --- テスト ---

func TestNotifier_RunGroupOnce_ProcessesInOrder(t *testing.T) {
	log := &memChangeLog{events: feedEvents(5)}
	cps := newMemCheckpoints()
	dls := &memDeadLetters{}
	handler := &recordingHandler{}

	n := newTestNotifier(log, cps, dls, 3)
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}

	seqs := handler.handledSeqs()
	if len(seqs) != 5 {
		t.Fatalf("handled count = %d, want 5", len(seqs))
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Errorf("handled[%d] = %d, want %d (order violated)", i, seq, i+1)
		}
	}

	if cp, _ := cps.Load(context.Background(), "group-a"); cp != 5 {
		t.Errorf("checkpoint = %d, want 5", cp)
	}
}

func TestNotifier_RunGroupOnce_ResumesFromCheckpoint(t *testing.T) {
	log := &memChangeLog{events: feedEvents(5)}
	cps := newMemCheckpoints()
	cps.seqs["group-a"] = 3
	handler := &recordingHandler{}

	n := newTestNotifier(log, cps, &memDeadLetters{}, 3)
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}

	seqs := handler.handledSeqs()
	if len(seqs) != 2 {
		t.Fatalf("handled count = %d, want 2", len(seqs))
	}
	if seqs[0] != 4 || seqs[1] != 5 {
		t.Errorf("handled seqs = %v, want [4 5]", seqs)
	}
}

func TestNotifier_RunGroupOnce_IndependentGroupCheckpoints(t *testing.T) {
	log := &memChangeLog{events: feedEvents(4)}
	cps := newMemCheckpoints()
	fast := &recordingHandler{}
	broken := &recordingHandler{
		handleFunc: func(ctx context.Context, ev model.ChangeEvent) error {
			return model.NewFatalError(errors.New("handler bug"))
		},
	}

	n := newTestNotifier(log, cps, &memDeadLetters{}, 3)
	n.Register("fast", fast)
	n.Register("broken", broken)

	if err := n.RunGroupOnce(context.Background(), "fast"); err != nil {
		t.Fatalf("fast group failed: %v", err)
	}
	if err := n.RunGroupOnce(context.Background(), "broken"); err != nil {
		t.Fatalf("broken group failed: %v", err)
	}

	// 壊れたグループの失敗がfastグループのチェックポイントに影響しない
	if cp, _ := cps.Load(context.Background(), "fast"); cp != 4 {
		t.Errorf("fast checkpoint = %d, want 4", cp)
	}
	// 壊れたグループもデッドレター退避のうえでチェックポイントは前進する
	if cp, _ := cps.Load(context.Background(), "broken"); cp != 4 {
		t.Errorf("broken checkpoint = %d, want 4", cp)
	}
}

func TestNotifier_RunGroupOnce_PoisonEventIsolation(t *testing.T) {
	log := &memChangeLog{events: feedEvents(5)}
	cps := newMemCheckpoints()
	dls := &memDeadLetters{}

	// seq 3だけが常に失敗するポイズンイベント
	handler := &recordingHandler{
		handleFunc: func(ctx context.Context, ev model.ChangeEvent) error {
			if ev.Seq == 3 {
				return model.NewFatalError(errors.New("毒入りイベント"))
			}
			return nil
		},
	}

	n := newTestNotifier(log, cps, dls, 3)
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}

	// 他の4イベントは処理され、seq 3はデッドレターへ
	seen := make(map[int64]bool)
	for _, seq := range handler.handledSeqs() {
		seen[seq] = true
	}
	for _, want := range []int64{1, 2, 4, 5} {
		if !seen[want] {
			t.Errorf("seq %d not handled despite poison isolation", want)
		}
	}

	if len(dls.created) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls.created))
	}
	if dls.created[0].Kind != model.DeadLetterKindChangeEvent {
		t.Errorf("dead letter kind = %s", dls.created[0].Kind)
	}
	if dls.created[0].FeedID != "feed-3" {
		t.Errorf("dead letter feed_id = %s, want feed-3", dls.created[0].FeedID)
	}

	// チェックポイントはバッチ全体を越えて前進する
	if cp, _ := cps.Load(context.Background(), "group-a"); cp != 5 {
		t.Errorf("checkpoint = %d, want 5", cp)
	}
}

func TestNotifier_RunGroupOnce_TransientFailureRecovers(t *testing.T) {
	log := &memChangeLog{events: feedEvents(1)}
	cps := newMemCheckpoints()
	dls := &memDeadLetters{}

	attempts := 0
	handler := &recordingHandler{
		handleFunc: func(ctx context.Context, ev model.ChangeEvent) error {
			attempts++
			if attempts < 3 {
				return model.NewRetryableError(errors.New("一時的な障害"))
			}
			return nil
		},
	}

	n := newTestNotifier(log, cps, dls, 5)
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}

	if len(dls.created) != 0 {
		t.Errorf("dead letters = %d, want 0 (transient failure should recover)", len(dls.created))
	}
	if cp, _ := cps.Load(context.Background(), "group-a"); cp != 1 {
		t.Errorf("checkpoint = %d, want 1", cp)
	}
}

func TestNotifier_RunGroupOnce_FatalSkipsRetry(t *testing.T) {
	log := &memChangeLog{events: feedEvents(1)}
	dls := &memDeadLetters{}

	handler := &recordingHandler{
		handleFunc: func(ctx context.Context, ev model.ChangeEvent) error {
			return model.NewFatalError(errors.New("設定の誤り"))
		},
	}

	n := newTestNotifier(log, newMemCheckpoints(), dls, 5)
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}

	// FatalErrorは再試行されない
	if calls := len(handler.handledSeqs()); calls != 1 {
		t.Errorf("handler calls = %d, want 1 (fatal must not be retried)", calls)
	}
	if len(dls.created) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dls.created))
	}
}

func TestNotifier_RunGroupOnce_EmptyLog(t *testing.T) {
	n := newTestNotifier(&memChangeLog{}, newMemCheckpoints(), &memDeadLetters{}, 3)
	handler := &recordingHandler{}
	n.Register("group-a", handler)

	if err := n.RunGroupOnce(context.Background(), "group-a"); err != nil {
		t.Fatalf("RunGroupOnce failed: %v", err)
	}
	if len(handler.handledSeqs()) != 0 {
		t.Error("handler should not be called for empty log")
	}
}

func TestNotifier_RunGroupOnce_UnknownGroup(t *testing.T) {
	n := newTestNotifier(&memChangeLog{}, newMemCheckpoints(), &memDeadLetters{}, 3)

	if err := n.RunGroupOnce(context.Background(), "nobody"); err == nil {
		t.Error("RunGroupOnce should fail for unregistered group")
	}
}

func TestNotifier_Start_StopsOnContextCancel(t *testing.T) {
	n := newTestNotifier(&memChangeLog{}, newMemCheckpoints(), &memDeadLetters{}, 3)
	n.Register("group-a", &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier did not stop after context cancellation")
	}
}
