package shm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Location identifies a region inside a buffer in a form that survives the trip over a
// transport port: raw pointers mean nothing to the peer, memory ids do.
type Location struct {
	MemoryID string `json:"memory"`
	Ptr      uint32 `json:"ptr"`
	Size     uint32 `json:"size"`
}

func (l Location) IsZero() bool { return l == Location{} }

func (l Location) String() string {
	return fmt.Sprintf("location[memory=%s ptr=%d size=%d]", l.MemoryID, l.Ptr, l.Size)
}

// Resolver maps memory ids received from a peer to buffers mapped locally.
type Resolver interface {
	Resolve(id string) (*Buffer, error)
}

// Bytes resolves loc and returns a view of the region it describes.
func Bytes(r Resolver, loc Location) (*Buffer, []byte, error) {
	buf, err := r.Resolve(loc.MemoryID)
	if err != nil {
		return nil, nil, err
	}
	b, err := buf.Bytes(loc.Ptr, loc.Size)
	if err != nil {
		return nil, nil, err
	}
	return buf, b, nil
}

// Table is a Resolver over buffers registered explicitly. Goroutines of one process that
// share a Table share every buffer added to it.
type Table struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

func NewTable(bufs ...*Buffer) *Table {
	t := &Table{buffers: make(map[string]*Buffer)}
	for _, b := range bufs {
		t.Add(b)
	}
	return t
}

func (t *Table) Add(b *Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers[b.ID()] = b
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, id)
}

func (t *Table) Resolve(id string) (*Buffer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.buffers[id]; ok {
		return b, nil
	}
	return nil, errors.Wrap(ErrUnknownMemory, id)
}

// SegmentTable resolves ids by mapping the segment of the same name on first use.
// The service side of a cross-process connection uses one per peer.
type SegmentTable struct {
	mu       sync.Mutex
	segments map[string]*Buffer
}

func NewSegmentTable() *SegmentTable {
	return &SegmentTable{segments: make(map[string]*Buffer)}
}

func (t *SegmentTable) Resolve(id string) (*Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.segments[id]; ok {
		return b, nil
	}
	b, err := OpenSegment(id)
	if err != nil {
		return nil, err
	}
	t.segments[id] = b
	return b, nil
}

// Close unmaps every segment opened through the table.
func (t *SegmentTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for id, b := range t.segments {
		err = multierr.Append(err, b.Close())
		delete(t.segments, id)
	}
	return err
}
