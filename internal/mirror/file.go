package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

// Editor is the part of a replica a file mirror drives.
type Editor interface {
	Text() string
	Insert(ctx context.Context, offset int, text string) error
	Delete(ctx context.Context, offset, length int) error
	Updates() <-chan struct{}
}

type FileMirrorOptions struct {
	Path   string
	Logger Logger
	// Debounce delays reading the file after a write event so that editors
	// which write in several steps are read once.
	Debounce time.Duration
	Mode     os.FileMode
}

// FileMirror keeps a local file and a replica in step. Local saves become
// edits on the replica; remote changes are written back atomically.
type FileMirror struct {
	editor   Editor
	path     string
	mode     os.FileMode
	debounce time.Duration
	logger   Logger

	mu sync.Mutex
	// written is the content the mirror last wrote or read. A file event
	// whose content still matches it carries no local edit.
	written string
}

func NewFileMirror(editor Editor, opts FileMirrorOptions) (*FileMirror, error) {
	if editor == nil {
		return nil, errors.New("mirror: editor is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("mirror: file path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	return &FileMirror{
		editor:   editor,
		path:     absPath,
		mode:     opts.Mode,
		debounce: opts.Debounce,
		logger:   opts.Logger,
	}, nil
}

func (m *FileMirror) Path() string {
	return m.path
}

// Run writes the current document to the file and then mirrors changes in
// both directions until ctx ends.
func (m *FileMirror) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	if err := m.PullRemote(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watching the directory keeps the watch alive across editors that
	// save by renaming a temp file over the original.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(m.debounce)
			} else {
				settle.Reset(m.debounce)
			}
			settleC = settle.C
		case <-settleC:
			settleC = nil
			if err := m.PushLocal(ctx); err != nil {
				m.logf("mirror: push %s failed: %v", m.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logf("mirror: watch %s: %v", m.path, err)
		case <-m.editor.Updates():
			if err := m.PushLocal(ctx); err != nil {
				m.logf("mirror: push %s failed: %v", m.path, err)
			}
			if err := m.PullRemote(); err != nil {
				m.logf("mirror: write %s failed: %v", m.path, err)
			}
		}
	}
}

// PushLocal turns unsynced changes in the file into replica edits.
func (m *FileMirror) PushLocal(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	local := string(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if local == m.written {
		return nil
	}
	edit := Diff(m.written, local)
	if current := m.editor.Text(); current != m.written {
		rebased, ok := Rebase(edit, Diff(m.written, current))
		if !ok {
			m.logf("mirror: local and remote edits to %s overlap; keeping the local version", m.path)
			rebased = Diff(current, local)
		}
		edit = rebased
	}
	if edit.Deleted > 0 {
		if err := m.editor.Delete(ctx, edit.Offset, edit.Deleted); err != nil {
			return fmt.Errorf("delete %d at %d: %w", edit.Deleted, edit.Offset, err)
		}
	}
	if edit.Inserted != "" {
		if err := m.editor.Insert(ctx, edit.Offset, edit.Inserted); err != nil {
			return fmt.Errorf("insert at %d: %w", edit.Offset, err)
		}
	}
	m.written = local
	return nil
}

// PullRemote writes the replica's text to the file when it differs from
// what the mirror last wrote.
func (m *FileMirror) PullRemote() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.editor.Text()
	if text == m.written {
		if _, err := os.Stat(m.path); err == nil {
			return nil
		}
	}
	if err := writeFileAtomic(m.path, []byte(text), m.mode); err != nil {
		return err
	}
	m.written = text
	return nil
}

func (m *FileMirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// Edit is a single replace: Deleted characters at Offset are replaced by
// Inserted. Offsets and lengths count runes.
type Edit struct {
	Offset   int
	Deleted  int
	Inserted string
}

// Diff reduces the change from before to after to one replace by trimming
// the common prefix and suffix.
func Diff(before, after string) Edit {
	a := []rune(before)
	b := []rune(after)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return Edit{
		Offset:   prefix,
		Deleted:  len(a) - prefix - suffix,
		Inserted: string(b[prefix : len(b)-suffix]),
	}
}

// Rebase moves local, computed against a common base, past a concurrent
// remote edit to the same base. It reports false when the two touch the
// same characters.
func Rebase(local, remote Edit) (Edit, bool) {
	switch {
	case remote.Deleted == 0 && remote.Inserted == "":
		return local, true
	case remote.Offset >= local.Offset+local.Deleted:
		return local, true
	case remote.Offset+remote.Deleted <= local.Offset:
		local.Offset += utf8.RuneCountInString(remote.Inserted) - remote.Deleted
		return local, true
	default:
		return Edit{}, false
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
