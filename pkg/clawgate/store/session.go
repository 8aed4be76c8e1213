// session.go persists one JSON document per session under the sessions
// directory. File names come from SanitizeKey.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

// MaxHistory is the number of turns kept on disk per session.
const MaxHistory = 200

const defaultSessionsDir = "./data/sessions"

var (
	// ErrSessionNotFound is returned by Load when no document exists for a key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrKeyCollision is returned when two distinct keys sanitize to the same
	// file name and the stored document belongs to the other key.
	ErrKeyCollision = errors.New("session key collision")
)

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-requested tool call recorded in the transcript.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Turn is one provider-visible message in a session transcript.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"ts"`
}

// Session is the persisted conversation state for one session key.
type Session struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"`
	Turns         []Turn    `json:"turns"`
	WorkspaceRoot string    `json:"workspace_root"`
	ProviderPin   string    `json:"provider_pin,omitempty"`
	ModelPin      string    `json:"model_pin,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSession creates an empty session for key rooted at workspace.
func NewSession(key, workspace string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            SanitizeKey(key),
		Key:           key,
		WorkspaceRoot: workspace,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy. Callers mutate the copy and hand it to Save.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		if len(t.ToolCalls) > 0 {
			t.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
		}
		c.Turns[i] = t
	}
	return &c
}

// Append adds turns and drops the oldest ones beyond MaxHistory.
func (s *Session) Append(turns ...Turn) {
	s.Turns = append(s.Turns, turns...)
	if len(s.Turns) > MaxHistory {
		s.Turns = append([]Turn(nil), s.Turns[len(s.Turns)-MaxHistory:]...)
	}
	s.UpdatedAt = time.Now().UTC()
}

// SessionMeta is the summary returned by List.
type SessionMeta struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore reads and writes session documents.
type SessionStore struct {
	dir    string
	logger *slog.Logger
}

// NewSessionStore creates a SessionStore and ensures the directory exists.
func NewSessionStore(dir string, logger *slog.Logger) (*SessionStore, error) {
	if dir == "" {
		dir = defaultSessionsDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir %q: %w", dir, err)
	}
	return &SessionStore{dir: dir, logger: logger.With("component", "sessions")}, nil
}

// Dir returns the sessions directory.
func (s *SessionStore) Dir() string { return s.dir }

// SanitizeKey maps a raw session key to a filesystem-safe id. Characters
// outside a conservative set are replaced with '_'. The mapping is not
// injective: "a:b" and "a/b" share an id.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '@' || r == '+':
			b.WriteRune(r)
		case r > 127 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	id := b.String()
	if id == "" {
		return "_"
	}
	if id[0] == '.' {
		id = "_" + id[1:]
	}
	return id
}

func (s *SessionStore) path(key string) string {
	return filepath.Join(s.dir, SanitizeKey(key)+".json")
}

// Load reads the session for key.
func (s *SessionStore) Load(key string) (*Session, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session %q: %w", key, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", key, err)
	}
	if sess.Key != "" && sess.Key != key {
		s.logger.Warn("session key collision", "key", key, "stored_key", sess.Key, "id", sess.ID)
		return nil, fmt.Errorf("%w: %q and %q share id %q", ErrKeyCollision, key, sess.Key, sess.ID)
	}
	sess.Key = key
	sess.ID = SanitizeKey(key)
	return &sess, nil
}

// Save writes the session atomically.
func (s *SessionStore) Save(sess *Session) error {
	if sess == nil || sess.Key == "" {
		return fmt.Errorf("%w: session without key", ErrPersistence)
	}
	sess.ID = SanitizeKey(sess.Key)
	if err := WriteJSONAtomic(s.path(sess.Key), sess, 0o600); err != nil {
		s.logger.Error("failed to save session", "key", sess.Key, "error", err)
		return err
	}
	return nil
}

// Delete removes the session document for key. Missing sessions are not an error.
func (s *SessionStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete session %q: %v", ErrPersistence, key, err)
	}
	return nil
}

// List returns metadata for every stored session, most recent first.
func (s *SessionStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []SessionMeta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("failed to read session, skipping", "file", name, "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("invalid session document, skipping", "file", name, "error", err)
			continue
		}
		out = append(out, SessionMeta{
			ID:        strings.TrimSuffix(name, ".json"),
			Key:       sess.Key,
			Turns:     len(sess.Turns),
			UpdatedAt: sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
