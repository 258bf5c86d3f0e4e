// Package message defines the messages two endpoints of a connection exchange over a
// transport port.
//
// Every Message carries an explicit Kind set by its constructor; receivers dispatch on
// Kind and never infer it from which fields happen to be present.
//
//   - AsyncCall:     ID, Method, Params. Answered by exactly one AsyncResponse.
//   - AsyncResponse: ID of the call, Result or Error.
//   - SyncCall:      Method and Region, the shared memory region holding the request
//     header. The answer is written into the region, not sent back as a message.
//   - Notification:  Method and Params, ID 0, never answered.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"sync-rpc/shm"
)

// Kind discriminates the four message shapes.
type Kind uint8

const (
	KindAsyncCall Kind = iota
	KindAsyncResponse
	KindSyncCall
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindAsyncCall:
		return "async-call"
	case KindAsyncResponse:
		return "async-response"
	case KindSyncCall:
		return "sync-call"
	case KindNotification:
		return "notification"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var ErrMalformed = errors.New("message: malformed message")

// Message is the envelope of everything sent over a port.
type Message struct {
	Kind   Kind            `json:"kind"`
	ID     uint32          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Region *shm.Location   `json:"region,omitempty"` // SyncCall only
}

// Error is the failure payload of an AsyncResponse.
type Error struct {
	Code    int32           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func NewAsyncCall(id uint32, method string, params json.RawMessage) *Message {
	return &Message{Kind: KindAsyncCall, ID: id, Method: method, Params: params}
}

func NewAsyncResponse(id uint32, result json.RawMessage) *Message {
	return &Message{Kind: KindAsyncResponse, ID: id, Result: result}
}

func NewErrorResponse(id uint32, err *Error) *Message {
	return &Message{Kind: KindAsyncResponse, ID: id, Error: err}
}

func NewSyncCall(method string, region shm.Location) *Message {
	return &Message{Kind: KindSyncCall, Method: method, Region: &region}
}

func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Kind: KindNotification, Method: method, Params: params}
}

// Validate checks that the fields required by the message kind are present.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindAsyncCall:
		if m.Method == "" || m.ID == 0 {
			return errors.Wrap(ErrMalformed, "async call needs an id and a method")
		}
	case KindAsyncResponse:
		if m.ID == 0 {
			return errors.Wrap(ErrMalformed, "async response without id")
		}
	case KindSyncCall:
		if m.Method == "" || m.Region == nil || m.Region.IsZero() {
			return errors.Wrap(ErrMalformed, "sync call needs a method and a region")
		}
	case KindNotification:
		if m.Method == "" {
			return errors.Wrap(ErrMalformed, "notification without method")
		}
	default:
		return errors.Wrapf(ErrMalformed, "unknown kind %d", m.Kind)
	}
	return nil
}

func (m *Message) String() string {
	switch m.Kind {
	case KindAsyncResponse:
		if m.Error != nil {
			return fmt.Sprintf("%s #%d error=%q", m.Kind, m.ID, m.Error.Message)
		}
		return fmt.Sprintf("%s #%d", m.Kind, m.ID)
	case KindSyncCall:
		return fmt.Sprintf("%s %s %v", m.Kind, m.Method, m.Region)
	}
	return fmt.Sprintf("%s #%d %s", m.Kind, m.ID, m.Method)
}
