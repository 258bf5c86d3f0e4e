//go:build !unix

package shm

import "github.com/pkg/errors"

var ErrUnsupported = errors.New("shm: segments are not supported on this platform")

func CreateSegment(initial, max uint32) (*Buffer, error) { return nil, ErrUnsupported }

func OpenSegment(id string) (*Buffer, error) { return nil, ErrUnsupported }

func PruneSegments() (int, error) { return 0, ErrUnsupported }
