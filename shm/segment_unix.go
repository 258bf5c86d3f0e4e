//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const segmentPrefix = "sync-rpc-"

// SegmentDir is where segment files live. /dev/shm keeps them off disk on Linux.
var SegmentDir = defaultSegmentDir()

func defaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SegmentPath returns the file backing the segment with the given id.
func SegmentPath(id string) string {
	return filepath.Join(SegmentDir, segmentPrefix+id)
}

// CreateSegment creates a file-backed buffer another process can map with OpenSegment.
// The creator holds an flock on "<path>.lock" for the segment's lifetime, which lets
// PruneSegments tell live segments from ones left behind by a crashed owner.
func CreateSegment(initial, max uint32) (*Buffer, error) {
	initial, max, err := normalizeSizes(initial, max)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	path := SegmentPath(id)

	lock := flock.New(path + ".lock")
	if ok, err := lock.TryLock(); err != nil {
		return nil, errors.Wrapf(err, "lock segment %s", path)
	} else if !ok {
		return nil, errors.Errorf("segment %s is locked by another process", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "create segment %s", path), releaseLock(lock))
	}
	// the mapping stays valid after the descriptor is closed
	defer file.Close()

	cleanup := func() error {
		return multierr.Combine(os.Remove(path), releaseLock(lock))
	}
	if err := file.Truncate(int64(max)); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "resize segment"), cleanup())
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(max), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "mmap segment"), cleanup())
	}

	b := &Buffer{id: id, mem: mem}
	b.init(initial, max)
	b.closer = func() error {
		return multierr.Combine(unix.Munmap(mem), cleanup())
	}
	return b, nil
}

// OpenSegment maps a segment created by another process.
func OpenSegment(id string) (*Buffer, error) {
	// ids arrive from the peer; refuse anything that is not a plain uuid
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(ErrUnknownMemory, "malformed segment id %q", id)
	}
	path := SegmentPath(id)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat segment")
	}
	if info.Size() < HeaderSize || info.Size() > int64(^uint32(0)) {
		return nil, errors.Wrapf(ErrInvalidSegment, "segment size %d", info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap segment")
	}
	b := &Buffer{id: id, mem: mem}
	if err := b.validate(); err != nil {
		return nil, multierr.Append(err, unix.Munmap(mem))
	}
	b.closer = func() error { return unix.Munmap(mem) }
	return b, nil
}

// PruneSegments removes segment files whose creator no longer holds the lock.
func PruneSegments() (int, error) {
	locks, err := filepath.Glob(filepath.Join(SegmentDir, segmentPrefix+"*.lock"))
	if err != nil {
		return 0, err
	}
	var (
		pruned int
		errs   error
	)
	for _, lockPath := range locks {
		lock := flock.New(lockPath)
		ok, err := lock.TryLock()
		if err != nil || !ok {
			errs = multierr.Append(errs, err)
			continue
		}
		path := strings.TrimSuffix(lockPath, ".lock")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, releaseLock(lock))
		pruned++
	}
	return pruned, errs
}

func releaseLock(lock *flock.Flock) error {
	return multierr.Combine(lock.Unlock(), os.Remove(lock.Path()))
}
