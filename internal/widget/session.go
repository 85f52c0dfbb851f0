// ABOUTME: Visitor session storage: durable identity plus the session-scoped conversation cache
// ABOUTME: FileKV persists across runs like browser local storage; MemoryKV lives for one run

package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chat-gateway/internal/store"
)

const (
	keyVisitorID      = "visitor_id"
	keyVisitorToken   = "visitor_token"
	keyConversationID = "conversation_id"
	keyMessages       = "messages"

	// DefaultCachedMessages bounds the session copy of recent messages.
	DefaultCachedMessages = 50
)

// KV is a small string key/value store.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryKV is a KV that lives as long as the process.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileKV is a KV persisted as a JSON object in a single file. Every write
// rewrites the file through a temp file and rename.
type FileKV struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenFileKV loads path, creating its directory. A missing file is an empty store.
func OpenFileKV(path string) (*FileKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	kv := &FileKV{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &kv.values); err != nil {
			return nil, fmt.Errorf("parsing session file %s: %w", path, err)
		}
	}
	return kv, nil
}

func (f *FileKV) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *FileKV) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flushLocked()
}

func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flushLocked()
}

func (f *FileKV) flushLocked() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Session combines the durable store (visitor identity and token) with the
// shorter-lived session store (active conversation and recent messages).
type Session struct {
	durable   KV
	session   KV
	maxCached int
}

// NewSession creates a Session. A nil session store means a fresh MemoryKV.
func NewSession(durable, session KV) *Session {
	if session == nil {
		session = NewMemoryKV()
	}
	return &Session{durable: durable, session: session, maxCached: DefaultCachedMessages}
}

// VisitorID returns the durable visitor id, generating and persisting one
// on first use.
func (s *Session) VisitorID() (string, error) {
	if id, ok := s.durable.Get(keyVisitorID); ok && id != "" {
		return id, nil
	}
	id := uuid.New().String()
	if err := s.durable.Set(keyVisitorID, id); err != nil {
		return "", err
	}
	return id, nil
}

// SetVisitorID replaces the durable id with one the server assigned.
func (s *Session) SetVisitorID(id string) error {
	if id == "" {
		return nil
	}
	return s.durable.Set(keyVisitorID, id)
}

// Token returns the stored visitor token, if any.
func (s *Session) Token() string {
	tok, _ := s.durable.Get(keyVisitorToken)
	return tok
}

// SetToken stores a visitor token. An empty token is ignored.
func (s *Session) SetToken(token string) error {
	if token == "" {
		return nil
	}
	return s.durable.Set(keyVisitorToken, token)
}

// ConversationID returns the session's active conversation, or "".
func (s *Session) ConversationID() string {
	id, _ := s.session.Get(keyConversationID)
	return id
}

// SetConversationID makes id the active conversation. Switching
// conversations drops the cached messages.
func (s *Session) SetConversationID(id string) error {
	if s.ConversationID() == id {
		return nil
	}
	if err := s.session.Delete(keyMessages); err != nil {
		return err
	}
	return s.session.Set(keyConversationID, id)
}

// ClearConversation forgets the active conversation and its cache.
func (s *Session) ClearConversation() error {
	if err := s.session.Delete(keyMessages); err != nil {
		return err
	}
	return s.session.Delete(keyConversationID)
}

// CachedMessages returns the cached messages oldest first.
func (s *Session) CachedMessages() []*store.Message {
	raw, ok := s.session.Get(keyMessages)
	if !ok || raw == "" {
		return nil
	}
	var msgs []*store.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil
	}
	return msgs
}

// CacheMessages merges msgs into the cache by id and keeps the newest ones.
func (s *Session) CacheMessages(msgs []*store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*store.Message)
	for _, m := range s.CachedMessages() {
		byID[m.ID] = m
	}
	for _, m := range msgs {
		if m != nil {
			byID[m.ID] = m
		}
	}

	merged := make([]*store.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	if len(merged) > s.maxCached {
		merged = merged[len(merged)-s.maxCached:]
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding message cache: %w", err)
	}
	return s.session.Set(keyMessages, string(data))
}
