package ledger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// File is a ledger kept in a local append-only JSON-lines file. Every Append
// is synced before it returns.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

var _ Ledger = (*File)(nil)

// OpenFile opens or creates the ledger file at path.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	if err := terminateLine(f); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	return &File{path: path, f: f}, nil
}

// terminateLine ends a torn final line so later appends start on a line of
// their own.
func terminateLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func (l *File) Path() string { return l.path }

func (l *File) Load(_ context.Context) (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	st := NewState()
	if err := replay(l.f, st); err != nil {
		return nil, errors.Wrapf(err, "ledger %s", l.path)
	}
	return st, nil
}

func (l *File) Append(_ context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(data); err != nil {
		return errors.Wrapf(err, "append ledger %s", l.path)
	}
	return l.f.Sync()
}

func (l *File) Reset(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
