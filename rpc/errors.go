package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"sync-rpc/message"
	"sync-rpc/protocol"
)

var (
	// ErrDisposed is returned by calls on a disposed connection and by calls that were
	// pending when the connection was disposed or its port failed.
	ErrDisposed = errors.New("rpc: connection disposed")
	// ErrUnexpectedState means the sync flag changed to a value no handler writes.
	ErrUnexpectedState = errors.New("rpc: sync flag in unexpected state")
	// ErrNoAllocator means CallSync was used on a connection without Options.Allocator.
	ErrNoAllocator = errors.New("rpc: sync calls need an allocator")
)

// TimeoutError is returned by CallSync when the handler did not signal in time.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: sync call %s timed out after %s", e.Method, e.Timeout)
}

// SyncCallError is returned by CallSync when the handler side reported a non-zero code.
// Negative codes are protocol failures (see protocol.Code*), positive codes come from
// the application.
type SyncCallError struct {
	Method string
	Code   int32
}

func (e *SyncCallError) Error() string {
	return fmt.Sprintf("rpc: sync call %s failed: %s", e.Method, protocol.CodeText(e.Code))
}

// IsProtocol reports whether the failure happened before or around the handler rather
// than inside it.
func (e *SyncCallError) IsProtocol() bool { return protocol.IsProtocolCode(e.Code) }

// RemoteError is returned by CallAsync when the peer answered with an error.
type RemoteError struct {
	Method  string
	Code    int32
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Coder is implemented by handler errors that carry their own code.
type Coder interface {
	Code() int32
}

// CodeOf maps a handler error to the code reported to the caller.
func CodeOf(err error) int32 {
	if err == nil {
		return protocol.CodeOK
	}
	var coded *message.Error
	if errors.As(err, &coded) && coded.Code != protocol.CodeOK {
		return coded.Code
	}
	var c Coder
	if errors.As(err, &c) && c.Code() != protocol.CodeOK {
		return c.Code()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout
	case errors.Is(err, context.Canceled):
		return protocol.CodeCancelled
	}
	return protocol.CodeHandlerFailure
}

// toMessageError turns a handler error into the payload of an error response.
func toMessageError(err error) *message.Error {
	var coded *message.Error
	if errors.As(err, &coded) && coded.Code != protocol.CodeOK {
		return &message.Error{Code: coded.Code, Message: coded.Message, Data: coded.Data}
	}
	return &message.Error{Code: CodeOf(err), Message: err.Error()}
}
