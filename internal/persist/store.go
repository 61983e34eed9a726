// Package persist reads and writes the on-disk form of a conversation:
// the opaque model session blob, the tool-outputs manifest, the messages
// manifest, and the top-level conversations index. Each concern lives in
// its own file so a partial write failure cannot corrupt the others.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	indexFile       = "conversations.json"
	sessionFile     = "session.json"
	toolOutputsFile = "tool_outputs.json"
	messagesFile    = "messages.json"

	// FilesDir is the model's scratch working directory inside a
	// conversation directory.
	FilesDir = "files"

	// AttachmentsDir holds user-supplied attachment files, one
	// subdirectory per message.
	AttachmentsDir = "attachments"
)

// Store persists conversations under a single root directory. One Store is
// shared by all conversations; the index mutex serializes the only file
// that sibling conversations both touch.
type Store struct {
	root   string
	logger *slog.Logger

	indexMu sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on first save.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger.With("component", "persist")}
}

// Root returns the conversations root directory.
func (s *Store) Root() string { return s.root }

// ConversationDir returns the directory for a conversation id.
func (s *Store) ConversationDir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

// EnsureConversationDir creates the conversation directory and its files/
// scratch subdirectory. Creation is idempotent.
func (s *Store) EnsureConversationDir(id uuid.UUID) (string, error) {
	dir := s.ConversationDir(id)
	if err := os.MkdirAll(filepath.Join(dir, FilesDir), 0o755); err != nil {
		return "", fmt.Errorf("persist: create conversation dir: %w", err)
	}
	return dir, nil
}

// writeJSON writes v pretty-printed. Struct field order is fixed by the
// record definitions and map keys are emitted sorted, so output is
// deterministic for identical state.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SaveSessionBlob writes the model client's opaque session blob.
func (s *Store) SaveSessionBlob(id uuid.UUID, blob []byte) error {
	dir, err := s.EnsureConversationDir(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, sessionFile), blob, 0o644); err != nil {
		return fmt.Errorf("persist: write session blob: %w", err)
	}
	return nil
}

// LoadSessionBlob reads the session blob. A missing file returns (nil, nil);
// the loader treats that conversation as having no resumable model state.
func (s *Store) LoadSessionBlob(id uuid.UUID) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(s.ConversationDir(id), sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read session blob: %w", err)
	}
	return blob, nil
}

// SaveToolOutputs writes the tool-outputs manifest.
func (s *Store) SaveToolOutputs(id uuid.UUID, manifest ToolOutputsManifest) error {
	dir, err := s.EnsureConversationDir(id)
	if err != nil {
		return err
	}
	if manifest.Executions == nil {
		manifest.Executions = map[string]ToolExecutionRecord{}
	}
	return s.writeJSON(filepath.Join(dir, toolOutputsFile), manifest)
}

// LoadToolOutputs reads the tool-outputs manifest. Missing or unreadable
// manifests load as empty; raw tool text is recoverable from the messages
// manifest, so this is degraded, not fatal.
func (s *Store) LoadToolOutputs(id uuid.UUID) ToolOutputsManifest {
	empty := ToolOutputsManifest{Executions: map[string]ToolExecutionRecord{}}
	data, err := os.ReadFile(filepath.Join(s.ConversationDir(id), toolOutputsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return empty
	}
	if err != nil {
		s.logger.Warn("failed to read tool outputs", "conversation", id, "error", err)
		return empty
	}
	var manifest ToolOutputsManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		s.logger.Warn("corrupt tool outputs manifest", "conversation", id, "error", err)
		return empty
	}
	if manifest.Executions == nil {
		manifest.Executions = map[string]ToolExecutionRecord{}
	}
	return manifest
}

// SaveMessages writes the messages manifest.
func (s *Store) SaveMessages(id uuid.UUID, manifest MessagesManifest) error {
	dir, err := s.EnsureConversationDir(id)
	if err != nil {
		return err
	}
	if manifest.Messages == nil {
		manifest.Messages = []MessageRecord{}
	}
	return s.writeJSON(filepath.Join(dir, messagesFile), manifest)
}

// LoadMessages reads the messages manifest. ok is false when no usable
// manifest exists, which sends the loader down the degraded
// rebuild-from-model-history path.
func (s *Store) LoadMessages(id uuid.UUID) (MessagesManifest, bool) {
	data, err := os.ReadFile(filepath.Join(s.ConversationDir(id), messagesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return MessagesManifest{}, false
	}
	if err != nil {
		s.logger.Warn("failed to read messages manifest", "conversation", id, "error", err)
		return MessagesManifest{}, false
	}
	var manifest MessagesManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		s.logger.Warn("corrupt messages manifest", "conversation", id, "error", err)
		return MessagesManifest{}, false
	}
	return manifest, true
}

// LoadIndex reads the top-level conversations index, sorted by last-message
// timestamp descending. A missing or corrupt index loads as empty.
func (s *Store) LoadIndex() []IndexEntry {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.loadIndexLocked()
}

func (s *Store) loadIndexLocked() []IndexEntry {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read conversations index", "error", err)
		return nil
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("corrupt conversations index", "error", err)
		return nil
	}
	sortIndex(entries)
	return entries
}

// TouchIndex inserts or updates a conversation's index entry and rewrites
// the index sorted by recency. The index is the one file sibling
// conversations share, so updates are load-merge-save under the store's
// index mutex rather than blind overwrites.
func (s *Store) TouchIndex(id uuid.UUID, ts time.Time) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("persist: create conversations root: %w", err)
	}

	entries := s.loadIndexLocked()
	found := false
	for i := range entries {
		if entries[i].ID == id.String() {
			entries[i].LastMessageTimestamp = ts
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, IndexEntry{ID: id.String(), LastMessageTimestamp: ts})
	}
	sortIndex(entries)
	return s.writeJSON(filepath.Join(s.root, indexFile), entries)
}

// RemoveFromIndex deletes a conversation's index entry. Removing the entry
// before the backing directory means a crash mid-delete leaves at most a
// dangling directory, never an index entry with no backing data.
func (s *Store) RemoveFromIndex(id uuid.UUID) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries := s.loadIndexLocked()
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id.String() {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	if kept == nil {
		kept = []IndexEntry{}
	}
	return s.writeJSON(filepath.Join(s.root, indexFile), kept)
}

// DeleteConversation removes a conversation's index entry, then its entire
// directory.
func (s *Store) DeleteConversation(id uuid.UUID) error {
	if err := s.RemoveFromIndex(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ConversationDir(id)); err != nil {
		return fmt.Errorf("persist: delete conversation dir: %w", err)
	}
	return nil
}

func sortIndex(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastMessageTimestamp.After(entries[j].LastMessageTimestamp)
	})
}
