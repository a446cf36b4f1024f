package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nbatchelor/visionchat/internal/chat"
)

// MaxPending is the attachment cap per submission.
const MaxPending = 4

// File is a raw user-picked file before upload.
type File struct {
	Name string
	Type string
	Data []byte
}

// FileInfo is the upload-credentials request entry, one per file.
type FileInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Attachment is a queued file. URL is set and Ready flips true only after
// the byte transfer succeeded.
type Attachment struct {
	ID    string
	Name  string
	Type  string
	Size  int64
	URL   string
	Ready bool
}

// Uploader resolves upload destinations and pushes file bytes to storage.
type Uploader interface {
	// UploadCredentials returns one presigned destination per file, in input order.
	UploadCredentials(ctx context.Context, files []FileInfo) ([]string, error)
	// Upload PUTs the raw bytes to a presigned destination.
	Upload(ctx context.Context, presignedURL, contentType string, data []byte) error
}

// Sink receives the manager's conversation-visible effects: error entries
// for the log and chatbot status changes around transfers.
type Sink interface {
	Append(msg chat.Message)
	SetStatus(status chat.Status)
	Status() chat.Status
}

type Options struct {
	Logger   *slog.Logger
	Uploader Uploader
	Sink     Sink
}

// Manager owns the pending-attachment queue for one conversation session.
// Queue edits are read-modify-write against the latest queue state, so
// concurrent AddFiles calls and transfer completions never lose updates.
type Manager struct {
	log      *slog.Logger
	uploader Uploader
	sink     Sink

	mu      sync.Mutex
	pending []Attachment
}

func New(opts Options) (*Manager, error) {
	if opts.Uploader == nil {
		return nil, errors.New("missing Uploader")
	}
	if opts.Sink == nil {
		return nil, errors.New("missing Sink")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Manager{log: logger, uploader: opts.Uploader, sink: opts.Sink}, nil
}

// AddFiles queues image files, enforces the cap and uploads the survivors.
// Non-image files are filtered out. When the combined count exceeds the cap
// the oldest entries are dropped and exactly one error entry is emitted.
// A failed transfer surfaces as an error entry and removes that file; the
// remaining attachments are unaffected. AddFiles blocks until the transfers
// finish.
func (m *Manager) AddFiles(ctx context.Context, files []File) {
	if m == nil || len(files) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	imgs := make([]File, 0, len(files))
	for _, f := range files {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(f.Type)), "image/") {
			imgs = append(imgs, f)
		}
	}
	if len(imgs) == 0 {
		return
	}

	queued := make([]Attachment, 0, len(imgs))
	dataByID := make(map[string]File, len(imgs))
	for _, f := range imgs {
		att := Attachment{
			ID:   uuid.NewString(),
			Name: f.Name,
			Type: f.Type,
			Size: int64(len(f.Data)),
		}
		queued = append(queued, att)
		dataByID[att.ID] = f
	}

	m.mu.Lock()
	next := append(append([]Attachment{}, m.pending...), queued...)
	truncated := len(next) > MaxPending
	if truncated {
		next = next[len(next)-MaxPending:]
	}
	m.pending = next
	kept := make(map[string]bool, len(next))
	for _, att := range next {
		kept[att.ID] = true
	}
	m.mu.Unlock()

	if truncated {
		m.sink.Append(chat.NewErrorMessage(fmt.Sprintf("You can attach up to %d images; the oldest were dropped.", MaxPending)))
	}

	uploads := make([]Attachment, 0, len(queued))
	for _, att := range queued {
		if kept[att.ID] {
			uploads = append(uploads, att)
		}
	}
	if len(uploads) == 0 {
		return
	}

	infos := make([]FileInfo, 0, len(uploads))
	for _, att := range uploads {
		infos = append(infos, FileInfo{Name: att.Name, Type: att.Type})
	}
	urls, err := m.uploader.UploadCredentials(ctx, infos)
	if err == nil && len(urls) != len(uploads) {
		err = fmt.Errorf("got %d upload destinations for %d files", len(urls), len(uploads))
	}
	if err != nil {
		m.log.Warn("upload credential fetch failed", "error", err)
		for _, att := range uploads {
			m.removeByID(att.ID)
		}
		m.sink.Append(chat.NewErrorMessage(fmt.Sprintf("Could not prepare the upload: %v", err)))
		return
	}

	// A request in flight keeps the status; transfers only surface as
	// uploading when the chatbot is otherwise free, same priority rule as
	// the drag-over hint.
	switch m.sink.Status() {
	case chat.StatusIdle, chat.StatusDragNDrop:
		m.sink.SetStatus(chat.StatusUploading)
	}
	g := errgroup.Group{}
	g.SetLimit(MaxPending)
	for i, att := range uploads {
		g.Go(func() error {
			f := dataByID[att.ID]
			if err := m.uploader.Upload(ctx, urls[i], att.Type, f.Data); err != nil {
				m.log.Warn("upload failed", "file", att.Name, "error", err)
				m.removeByID(att.ID)
				m.sink.Append(chat.NewErrorMessage(fmt.Sprintf("Upload of %s failed: %v", att.Name, err)))
				return nil
			}
			m.markReady(att.ID, stableRef(urls[i]))
			return nil
		})
	}
	_ = g.Wait()
	if m.sink.Status() == chat.StatusUploading {
		m.sink.SetStatus(chat.StatusIdle)
	}
}

// Remove deletes one queued entry by id or name. No-op if absent.
func (m *Manager) Remove(identifier string) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending[:0]
	for _, att := range m.pending {
		if att.ID == identifier || att.Name == identifier {
			continue
		}
		out = append(out, att)
	}
	m.pending = out
}

// Clear drops all queued entries. Used after a successful submit and on reset.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// Pending returns a copy of the queue in order.
func (m *Manager) Pending() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attachment, len(m.pending))
	copy(out, m.pending)
	return out
}

// ReadyRefs returns the resolved reference of every uploaded entry, in order.
func (m *Manager) ReadyRefs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for _, att := range m.pending {
		if att.Ready {
			out = append(out, att.URL)
		}
	}
	return out
}

func (m *Manager) markReady(id, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		if m.pending[i].ID == id {
			m.pending[i].URL = ref
			m.pending[i].Ready = true
			return
		}
	}
	// Removed while the transfer was in flight; nothing to mark.
}

func (m *Manager) removeByID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending[:0]
	for _, att := range m.pending {
		if att.ID == id {
			continue
		}
		out = append(out, att)
	}
	m.pending = out
}

// stableRef strips the signature query from a presigned URL, leaving the
// stable object URL that outlives the credential window.
func stableRef(presigned string) string {
	u, err := url.Parse(strings.TrimSpace(presigned))
	if err != nil {
		return presigned
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
