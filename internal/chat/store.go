package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the single process-wide chatbot status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusThinking  Status = "thinking"
	StatusDragNDrop Status = "drag-n-drop"
)

const (
	// DefaultNamespace is the fixed key the conversation log is persisted under.
	DefaultNamespace = "message-storage"

	// DefaultSlowAfter is how long a request may stay in thinking before the
	// slow warning is shown.
	DefaultSlowAfter = 3 * time.Second

	// minQuestionRunes is the minimum trimmed question length accepted by Submit.
	minQuestionRunes = 4
)

// Backend is the chat collaborator: it carries the full message log to the
// model proxy and returns one response message.
type Backend interface {
	Chat(ctx context.Context, input []Message) (Message, error)
}

// StateStore persists the serialized message log under a namespace.
type StateStore interface {
	Load(ctx context.Context, namespace string) ([]byte, bool, error)
	Save(ctx context.Context, namespace string, payload []byte) error
	Delete(ctx context.Context, namespace string) error
}

// AttachmentQueue is the pending-attachment collaborator consumed on submit.
type AttachmentQueue interface {
	ReadyRefs() []string
	Clear()
}

type Options struct {
	Logger  *slog.Logger
	Backend Backend

	// State is the optional persistence layer. When set, the log is
	// rehydrated from it at construction and written back after every
	// mutation. Status and the slow warning are transient and never persist.
	State StateStore

	// Namespace overrides DefaultNamespace.
	Namespace string

	// SlowAfter overrides DefaultSlowAfter (tests use short windows).
	SlowAfter time.Duration
}

// Store owns the ordered conversation log, the chatbot status and the
// slow-response warning. Every mutation is a lock-guarded read-modify-write
// against the latest state, so submissions and upload completions racing
// each other never lose updates; log order follows the order the triggering
// actions were observed, not the order backend responses arrive.
type Store struct {
	log       *slog.Logger
	backend   Backend
	state     StateStore
	namespace string
	slowAfter time.Duration

	mu          sync.Mutex
	messages    []Message
	status      Status
	slowWarning bool
	slowTimer   *time.Timer
	timerGen    uint64

	queue AttachmentQueue
}

func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	slowAfter := opts.SlowAfter
	if slowAfter <= 0 {
		slowAfter = DefaultSlowAfter
	}

	s := &Store{
		log:       logger,
		backend:   opts.Backend,
		state:     opts.State,
		namespace: namespace,
		slowAfter: slowAfter,
		status:    StatusIdle,
	}

	if s.state != nil {
		payload, ok, err := s.state.Load(context.Background(), s.namespace)
		if err != nil {
			return nil, err
		}
		if ok && len(payload) > 0 {
			var restored []Message
			if err := json.Unmarshal(payload, &restored); err != nil {
				// A corrupt payload must not block the conversation; start fresh.
				logger.Warn("discarding unreadable persisted conversation", "error", err)
			} else {
				// Older payloads predate the id field; tag those entries so
				// dedup by id cannot collapse them into each other.
				for i := range restored {
					if strings.TrimSpace(restored[i].ID) == "" {
						restored[i].ID = uuid.NewString()
					}
				}
				s.messages = DedupBy(restored, messageKey)
			}
		}
	}
	return s, nil
}

// SetQueue binds the attachment queue consumed by Submit. It exists because
// the queue's error sink is the store itself, so the two are constructed in
// sequence.
func (s *Store) SetQueue(q AttachmentQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// Messages returns a copy of the conversation log in order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) SlowWarning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowWarning
}

// Append is the plain log mutator: it appends msg, deduplicates the log by
// message id and persists the result. It never changes the status and never
// dispatches network I/O; that is Submit's job.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
}

// Submit appends the user's question synchronously (so it is visible before
// the backend responds), consumes the pending attachments, moves the status
// to thinking and dispatches one backend call. The eventual reply or error
// is appended when it arrives and the status returns to idle. Failures are
// absorbed into the log as error entries; there is no automatic retry.
func (s *Store) Submit(ctx context.Context, text string) error {
	if s == nil {
		return errors.New("nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minQuestionRunes {
		return errors.New("ask a clear question (4+ characters)")
	}

	s.mu.Lock()
	var images []string
	if s.queue != nil {
		images = s.queue.ReadyRefs()
	}
	msg := NewInputMessage(trimmed, images)
	s.appendLocked(msg)
	s.setStatusLocked(StatusThinking)
	input := make([]Message, len(s.messages))
	copy(input, s.messages)
	queue := s.queue
	s.mu.Unlock()

	if queue != nil {
		queue.Clear()
	}

	go s.dispatch(ctx, input)
	return nil
}

func (s *Store) dispatch(ctx context.Context, input []Message) {
	reply, err := s.backend.Chat(ctx, input)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.Warn("chat request failed", "error", err)
		s.appendLocked(NewErrorMessage(err.Error()))
	} else {
		if reply.Kind == "" {
			reply.Kind = KindResponse
		}
		s.appendLocked(reply)
	}
	s.setStatusLocked(StatusIdle)
}

// SetStatus moves the chatbot status. Entering thinking (re)starts the slow
// timer; entering anything else cancels it and clears the warning.
func (s *Store) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(status)
}

// SetDragOver toggles the transient drag-n-drop hint. A request in flight
// takes priority: drag-over while uploading or thinking is a no-op.
func (s *Store) SetDragOver(over bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if over {
		if s.status != StatusIdle {
			return
		}
		s.setStatusLocked(StatusDragNDrop)
		return
	}
	if s.status == StatusDragNDrop {
		s.setStatusLocked(StatusIdle)
	}
}

// ClearMessages resets the log, the status and the persisted state.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.setStatusLocked(StatusIdle)
	if s.state != nil {
		if err := s.state.Delete(context.Background(), s.namespace); err != nil {
			s.log.Warn("failed to clear persisted conversation", "error", err)
		}
	}
}

func messageKey(m Message) string { return m.ID }

func (s *Store) appendLocked(msg Message) {
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	s.messages = DedupBy(append(s.messages, msg), messageKey)
	s.persistLocked()
}

func (s *Store) persistLocked() {
	if s.state == nil {
		return
	}
	payload, err := json.Marshal(s.messages)
	if err != nil {
		s.log.Warn("failed to serialize conversation", "error", err)
		return
	}
	if err := s.state.Save(context.Background(), s.namespace, payload); err != nil {
		s.log.Warn("failed to persist conversation", "error", err)
	}
}

func (s *Store) setStatusLocked(next Status) {
	if s.slowTimer != nil {
		s.slowTimer.Stop()
		s.slowTimer = nil
	}
	s.timerGen++
	s.slowWarning = false
	s.status = next
	if next != StatusThinking {
		return
	}
	gen := s.timerGen
	s.slowTimer = time.AfterFunc(s.slowAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A stale timer may fire after the status changed; the generation
		// check keeps it from warning for a newer request's window.
		if s.timerGen == gen && s.status == StatusThinking {
			s.slowWarning = true
		}
	})
}
