package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu    sync.Mutex
	delay time.Duration
	reply Message
	err   error
	calls [][]Message
}

func (b *fakeBackend) Chat(ctx context.Context, input []Message) (Message, error) {
	b.mu.Lock()
	snapshot := make([]Message, len(input))
	copy(snapshot, input)
	b.calls = append(b.calls, snapshot)
	delay := b.delay
	reply := b.reply
	err := b.err
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	return reply, err
}

type fakeState struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newFakeState() *fakeState { return &fakeState{rows: map[string][]byte{}} }

func (f *fakeState) Load(ctx context.Context, namespace string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.rows[namespace]
	return payload, ok, nil
}

func (f *fakeState) Save(ctx context.Context, namespace string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[namespace] = append([]byte{}, payload...)
	return nil
}

func (f *fakeState) Delete(ctx context.Context, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, namespace)
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	refs    []string
	cleared int
}

func (q *fakeQueue) ReadyRefs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.refs...)
}

func (q *fakeQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs = nil
	q.cleared++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func waitForIdle(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == StatusIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store did not return to idle, status=%s", s.Status())
}

func TestSubmitScenario(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: Message{Kind: KindResponse, OutputText: "Blue."}}
	queue := &fakeQueue{refs: []string{"https://bucket/chatbot/upload/imgA.png"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetQueue(queue)

	if err := s.Submit(context.Background(), "What color is this?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The user message is visible synchronously, before the backend replies.
	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(messages)=%d, want 1", len(msgs))
	}
	if !IsInputMessage(msgs[0]) {
		t.Fatalf("first message is not an input message: %+v", msgs[0])
	}
	if DisplayText(msgs[0]) != "What color is this?" {
		t.Fatalf("DisplayText=%q", DisplayText(msgs[0]))
	}
	if len(msgs[0].Images) != 1 || msgs[0].Images[0] != "https://bucket/chatbot/upload/imgA.png" {
		t.Fatalf("Images=%v", msgs[0].Images)
	}
	if queue.cleared != 1 {
		t.Fatalf("queue cleared %d times, want 1", queue.cleared)
	}

	waitForIdle(t, s)
	msgs = s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages)=%d, want 2", len(msgs))
	}
	if !IsResponseMessage(msgs[1]) || DisplayText(msgs[1]) != "Blue." {
		t.Fatalf("second message=%+v", msgs[1])
	}
}

func TestSubmitWithoutAttachments(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: Message{Kind: KindResponse, OutputText: "ok"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "plain question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	msg := s.Messages()[0]
	if len(msg.Images) != 0 {
		t.Fatalf("Images=%v, want empty", msg.Images)
	}
	texts := 0
	for _, p := range msg.Content {
		if p.Kind == PartText {
			texts++
		}
	}
	if texts != 1 {
		t.Fatalf("text parts=%d, want 1", texts)
	}
	waitForIdle(t, s)
}

func TestSubmitRejectsShortQuestion(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "  no "); err == nil {
		t.Fatalf("short question accepted")
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("log mutated by rejected submit")
	}
	if s.Status() != StatusIdle {
		t.Fatalf("status=%s, want idle", s.Status())
	}
}

func TestSubmitFailureAppendsOneErrorMessage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{err: errors.New("status 500: upstream exploded")}
	s, err := New(Options{Logger: testLogger(), Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "does this work?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s.Status() != StatusThinking {
		t.Fatalf("status=%s, want thinking", s.Status())
	}
	waitForIdle(t, s)

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages)=%d, want 2 (input + error)", len(msgs))
	}
	if !IsErrorMessage(msgs[1]) {
		t.Fatalf("second message is not an error: %+v", msgs[1])
	}
	if !strings.Contains(DisplayText(msgs[1]), "upstream exploded") {
		t.Fatalf("error text %q misses the failure reason", DisplayText(msgs[1]))
	}
	if s.SlowWarning() {
		t.Fatalf("slow warning not cleared")
	}
}

func TestBackToBackSubmitsPreserveTriggerOrder(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{delay: 50 * time.Millisecond, reply: Message{Kind: KindResponse, OutputText: "reply"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "first question"); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := s.Submit(context.Background(), "second question"); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) < 2 {
		t.Fatalf("len(messages)=%d, want at least the two inputs", len(msgs))
	}
	if DisplayText(msgs[0]) != "first question" || DisplayText(msgs[1]) != "second question" {
		t.Fatalf("inputs out of trigger order: %q, %q", DisplayText(msgs[0]), DisplayText(msgs[1]))
	}

	waitForIdle(t, s)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.Messages()) < 4 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(s.Messages()); got != 4 {
		t.Fatalf("len(messages)=%d, want 4", got)
	}
}

func TestSlowWarningFiresWhileThinking(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{delay: 200 * time.Millisecond, reply: Message{Kind: KindResponse, OutputText: "late"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend, SlowAfter: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "slow one please"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !s.SlowWarning() {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.SlowWarning() {
		t.Fatalf("slow warning never set")
	}
	if s.Status() != StatusThinking {
		t.Fatalf("status=%s, want thinking while warned", s.Status())
	}

	waitForIdle(t, s)
	if s.SlowWarning() {
		t.Fatalf("slow warning survived the status change")
	}
}

func TestSlowWarningNeverFiresOnFastReply(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{delay: 5 * time.Millisecond, reply: Message{Kind: KindResponse, OutputText: "fast"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend, SlowAfter: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "quick one"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForIdle(t, s)
	time.Sleep(600 * time.Millisecond)
	if s.SlowWarning() {
		t.Fatalf("slow warning set after the request resolved")
	}
}

func TestSetStatusCancelsWarning(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}, SlowAfter: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetStatus(StatusThinking)
	time.Sleep(60 * time.Millisecond)
	if !s.SlowWarning() {
		t.Fatalf("slow warning not set")
	}
	s.SetStatus(StatusUploading)
	if s.SlowWarning() {
		t.Fatalf("slow warning not cleared on status change")
	}
}

func TestDragOverRejectedWhileBusy(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.SetDragOver(true)
	if s.Status() != StatusDragNDrop {
		t.Fatalf("status=%s, want drag-n-drop", s.Status())
	}
	s.SetDragOver(false)
	if s.Status() != StatusIdle {
		t.Fatalf("status=%s, want idle", s.Status())
	}

	s.SetStatus(StatusThinking)
	s.SetDragOver(true)
	if s.Status() != StatusThinking {
		t.Fatalf("drag-over overrode thinking: %s", s.Status())
	}
	// Leaving a drag that never took effect must not disturb the request.
	s.SetDragOver(false)
	if s.Status() != StatusThinking {
		t.Fatalf("drag-leave overrode thinking: %s", s.Status())
	}
}

func TestAppendDeduplicatesById(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := NewErrorMessage("boom")
	s.Append(m)
	s.Append(m)
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("len(messages)=%d, want 1", got)
	}
	if s.Status() != StatusIdle {
		t.Fatalf("plain append changed status to %s", s.Status())
	}
}

func TestClearMessages(t *testing.T) {
	t.Parallel()

	state := newFakeState()
	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}, State: state})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Append(NewErrorMessage("leftover"))
	s.ClearMessages()
	if len(s.Messages()) != 0 {
		t.Fatalf("log not cleared")
	}
	if s.Status() != StatusIdle {
		t.Fatalf("status=%s, want idle", s.Status())
	}
	if _, ok, _ := state.Load(context.Background(), DefaultNamespace); ok {
		t.Fatalf("persisted state survived ClearMessages")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()

	state := newFakeState()
	backend := &fakeBackend{reply: Message{Kind: KindResponse, OutputText: "Blue."}}

	s, err := New(Options{Logger: testLogger(), Backend: backend, State: state})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "What color is this?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForIdle(t, s)
	before := s.Messages()

	// Simulated reload: a fresh store over the same state.
	restored, err := New(Options{Logger: testLogger(), Backend: backend, State: state})
	if err != nil {
		t.Fatalf("New restored: %v", err)
	}
	after := restored.Messages()
	if len(after) != len(before) {
		t.Fatalf("len=%d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].ID != after[i].ID || DisplayText(before[i]) != DisplayText(after[i]) {
			t.Fatalf("message %d changed across reload: %+v vs %+v", i, before[i], after[i])
		}
	}
	if restored.Status() != StatusIdle {
		t.Fatalf("transient status persisted: %s", restored.Status())
	}
}

func TestRehydrateKeepsLegacyEntriesWithoutIds(t *testing.T) {
	t.Parallel()

	// Payloads written before messages carried ids: no id field at all.
	state := newFakeState()
	legacy := []byte(`[
		{"role":"user","content":[{"kind":"text","text":"first question"}]},
		{"output_text":"first answer"},
		{"role":"user","content":[{"kind":"text","text":"second question"}]}
	]`)
	if err := state.Save(context.Background(), DefaultNamespace, legacy); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s, err := New(Options{Logger: testLogger(), Backend: &fakeBackend{}, State: state})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(messages)=%d, want 3", len(msgs))
	}
	seen := map[string]bool{}
	for i, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			t.Fatalf("message %d restored without an id", i)
		}
		if seen[m.ID] {
			t.Fatalf("message %d shares id %q with an earlier entry", i, m.ID)
		}
		seen[m.ID] = true
	}
	if DisplayText(msgs[0]) != "first question" || DisplayText(msgs[2]) != "second question" {
		t.Fatalf("restored order wrong: %q, %q", DisplayText(msgs[0]), DisplayText(msgs[2]))
	}
	if !IsResponseMessage(msgs[1]) {
		t.Fatalf("untagged response misclassified: %+v", msgs[1])
	}
}

func TestBackendReceivesFullLog(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: Message{Kind: KindResponse, OutputText: "one"}}
	s, err := New(Options{Logger: testLogger(), Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Submit(context.Background(), "first question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForIdle(t, s)
	if err := s.Submit(context.Background(), "second question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForIdle(t, s)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.calls) != 2 {
		t.Fatalf("calls=%d, want 2", len(backend.calls))
	}
	if len(backend.calls[0]) != 1 {
		t.Fatalf("first call carried %d messages, want 1", len(backend.calls[0]))
	}
	// Second call carries the prior round trip plus the new input.
	if len(backend.calls[1]) != 3 {
		t.Fatalf("second call carried %d messages, want 3", len(backend.calls[1]))
	}
}
