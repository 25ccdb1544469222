package relaydoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/document"
)

// DocumentSnapshot is what the persistence collaborator stores for a
// document. State is the full engine state; Content alone is enough to seed
// a document that was authored outside the core.
type DocumentSnapshot struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Version   uint64          `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	State     *document.State `json:"state,omitempty"`
}

// PersistenceBackend is the durability sink. LoadSnapshot returns nil, nil
// when nothing is stored. LoadLog returns records with a version greater
// than since, ordered by version.
type PersistenceBackend interface {
	LoadSnapshot(documentID string) (*DocumentSnapshot, error)
	SaveSnapshot(snapshot *DocumentSnapshot) error
	AppendToLog(documentID string, record document.Record) error
	LoadLog(documentID string, since uint64) ([]document.Record, error)
	ListDocuments() ([]string, error)
}

type persistenceCloser interface {
	Close() error
}

type InMemoryPersistence struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	logs      map[string]map[uint64]document.Record
}

func NewInMemoryPersistence() *InMemoryPersistence {
	return &InMemoryPersistence{
		snapshots: map[string][]byte{},
		logs:      map[string]map[uint64]document.Record{},
	}
}

func (b *InMemoryPersistence) LoadSnapshot(documentID string) (*DocumentSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snapshots[documentID]
	if !ok {
		return nil, nil
	}
	var snapshot DocumentSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *InMemoryPersistence) SaveSnapshot(snapshot *DocumentSnapshot) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.snapshots[snapshot.ID]; ok {
		var current DocumentSnapshot
		if err := json.Unmarshal(existing, &current); err == nil && current.Version > snapshot.Version {
			return nil
		}
	}
	b.snapshots[snapshot.ID] = data
	return nil
}

func (b *InMemoryPersistence) AppendToLog(documentID string, record document.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.logs[documentID]
	if !ok {
		log = map[uint64]document.Record{}
		b.logs[documentID] = log
	}
	if _, exists := log[record.Version]; !exists {
		log[record.Version] = record
	}
	return nil
}

func (b *InMemoryPersistence) LoadLog(documentID string, since uint64) ([]document.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedRecords(b.logs[documentID], since), nil
}

func (b *InMemoryPersistence) ListDocuments() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := map[string]struct{}{}
	for id := range b.snapshots {
		ids[id] = struct{}{}
	}
	for id := range b.logs {
		ids[id] = struct{}{}
	}
	return sortedKeys(ids), nil
}

// JSONFilePersistence keeps one JSON file per document under Dir.
type JSONFilePersistence struct {
	Dir string
	mu  sync.Mutex
}

type fileDocumentState struct {
	Snapshot *DocumentSnapshot `json:"snapshot,omitempty"`
	Log      []document.Record `json:"log"`
}

func NewJSONFilePersistence(dir string) *JSONFilePersistence {
	return &JSONFilePersistence{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFilePersistence) LoadSnapshot(documentID string) (*DocumentSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.readLocked(documentID)
	if err != nil || state == nil {
		return nil, err
	}
	return state.Snapshot, nil
}

func (b *JSONFilePersistence) SaveSnapshot(snapshot *DocumentSnapshot) error {
	if snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.readLocked(snapshot.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &fileDocumentState{}
	}
	if state.Snapshot != nil && state.Snapshot.Version > snapshot.Version {
		return nil
	}
	state.Snapshot = snapshot
	return b.writeLocked(snapshot.ID, state)
}

func (b *JSONFilePersistence) AppendToLog(documentID string, record document.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.readLocked(documentID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &fileDocumentState{}
	}
	for _, existing := range state.Log {
		if existing.Version == record.Version {
			return nil
		}
	}
	state.Log = append(state.Log, record)
	return b.writeLocked(documentID, state)
}

func (b *JSONFilePersistence) LoadLog(documentID string, since uint64) ([]document.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.readLocked(documentID)
	if err != nil || state == nil {
		return nil, err
	}
	byVersion := make(map[uint64]document.Record, len(state.Log))
	for _, r := range state.Log {
		byVersion[r.Version] = r
	}
	return sortedRecords(byVersion, since), nil
}

func (b *JSONFilePersistence) ListDocuments() ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := map[string]struct{}{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return sortedKeys(ids), nil
}

func (b *JSONFilePersistence) path(documentID string) string {
	return filepath.Join(b.Dir, url.PathEscape(documentID)+".json")
}

func (b *JSONFilePersistence) readLocked(documentID string) (*fileDocumentState, error) {
	data, err := os.ReadFile(b.path(documentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state fileDocumentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFilePersistence) writeLocked(documentID string, state *fileDocumentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.path(documentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func BuildPersistenceFromDSN(dsn string) (PersistenceBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupPersistenceFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFilePersistence(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryPersistence(), nil
	case "postgres", "postgresql":
		return NewPostgresPersistence(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLitePersistence(path)
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltPersistence(path)
	case "http", "https":
		return NewWebhookPersistence(WebhookOptions{BaseURL: dsn}), nil
	case "mysql":
		return nil, fmt.Errorf("%w: persistence backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported persistence scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	// file://./data and file://data/docs carry the leading segment as host.
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func sortedRecords(byVersion map[uint64]document.Record, since uint64) []document.Record {
	out := make([]document.Record, 0, len(byVersion))
	for version, r := range byVersion {
		if version > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
