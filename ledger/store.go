package ledger

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zarr "github.com/qri-io/zarr-downscale"
)

// Dir is the directory beneath a destination group holding its ledger.
const Dir = ".ledger"

const segmentPrefix = "segment-"

// Store keeps the ledger inside the destination's zarr store. Object stores
// cannot append, so every Append writes a new immutable segment object and
// Load replays the segments in order.
type Store struct {
	mu    sync.Mutex
	store zarr.Store
	dir   string
	next  int
}

var _ Ledger = (*Store)(nil)

// NewStore returns the ledger for the destination group at dest.
func NewStore(store zarr.Store, dest string) *Store {
	return &Store{store: store, dir: path.Join(dest, Dir), next: -1}
}

func (l *Store) Load(ctx context.Context) (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segs, err := l.segments(ctx)
	if err != nil {
		return nil, err
	}
	st := NewState()
	for _, seg := range segs {
		f, err := l.store.Get(ctx, seg.key)
		if err != nil {
			return nil, errors.Wrapf(err, "read ledger segment %s", seg.key)
		}
		err = replay(f, st)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "ledger segment %s", seg.key)
		}
	}
	l.next = 0
	if len(segs) > 0 {
		l.next = segs[len(segs)-1].seq + 1
	}
	return st, nil
}

func (l *Store) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next < 0 {
		segs, err := l.segments(ctx)
		if err != nil {
			return err
		}
		l.next = 0
		if len(segs) > 0 {
			l.next = segs[len(segs)-1].seq + 1
		}
	}
	key := path.Join(l.dir, fmt.Sprintf("%s%06d.jsonl", segmentPrefix, l.next))
	if err := l.store.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write ledger segment %s", key)
	}
	l.next++
	return nil
}

func (l *Store) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	return l.store.Delete(ctx, l.dir)
}

func (l *Store) Close() error { return nil }

type segment struct {
	key string
	seq int
}

func (l *Store) segments(ctx context.Context) ([]segment, error) {
	keys, err := l.store.List(ctx, l.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}
	var segs []segment
	for _, k := range keys {
		name := path.Base(k)
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, segmentPrefix), "%d.jsonl", &seq); err != nil {
			continue
		}
		segs = append(segs, segment{key: k, seq: seq})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}
