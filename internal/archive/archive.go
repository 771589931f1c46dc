// Package archive persists transcripts of completed sessions as JSON files
// under the data directory, one file per session. Aborted sessions are never
// archived; their state is discarded by contract.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evergreen-ai/evergreen/internal/registry"
)

var ErrNotFound = errors.New("not found")

// NodeRecord is one node in an archived transcript. Leaf payload bytes are
// summarized, not stored; refs and structure are kept verbatim.
type NodeRecord struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Mimetype string   `json:"mimetype,omitempty"`
	Bytes    int      `json:"bytes,omitempty"`
	Refs     []string `json:"refs,omitempty"`
	Children []string `json:"children,omitempty"`
}

// Record is the archived transcript of one completed session.
type Record struct {
	SessionID   string       `json:"sessionId"`
	CompletedAt time.Time    `json:"completedAt"`
	Nodes       []NodeRecord `json:"nodes"`
}

// Archive stores session transcripts under a base directory.
type Archive struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates an archive rooted at basePath.
func New(basePath string) *Archive {
	return &Archive{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

// Snapshot builds a transcript record from a completed session's registry.
func Snapshot(sessionID string, reg *registry.Registry) *Record {
	rec := &Record{
		SessionID:   sessionID,
		CompletedAt: time.Now().UTC(),
	}
	for _, id := range reg.NodeIDs() {
		kind, ok := reg.NodeKind(id)
		if !ok {
			continue
		}
		node := NodeRecord{ID: id, Kind: kind.String()}
		switch kind {
		case registry.KindLeaf:
			if assembled, ok := reg.Assembled(id); ok {
				if assembled.Metadata != nil {
					node.Mimetype = assembled.Metadata.Mimetype
				}
				node.Bytes = len(assembled.Bytes())
				node.Refs = assembled.Refs()
			}
		case registry.KindBranch:
			node.Children, _ = reg.ChildIDs(id)
		}
		rec.Nodes = append(rec.Nodes, node)
	}
	return rec
}

// Save writes a record, atomically and under an exclusive file lock.
func (a *Archive) Save(ctx context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("archive: record missing session id")
	}
	path := a.pathFor(rec.SessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("archive: create directory: %w", err)
	}

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("archive: acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: rename: %w", err)
	}
	return nil
}

// Load reads one session's transcript.
func (a *Archive) Load(ctx context.Context, sessionID string) (*Record, error) {
	data, err := os.ReadFile(a.pathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: read: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: unmarshal: %w", err)
	}
	return &rec, nil
}

// List returns the archived session IDs.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: read directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete removes one session's transcript. Deleting a missing transcript is
// not an error.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	path := a.pathFor(sessionID)

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("archive: acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete: %w", err)
	}
	return nil
}

func (a *Archive) pathFor(sessionID string) string {
	return filepath.Join(a.basePath, sessionID+".json")
}

func (a *Archive) lockFor(path string) *fileLock {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[path]
	if !ok {
		lock = newFileLock(path)
		a.locks[path] = lock
	}
	return lock
}
