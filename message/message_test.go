package message

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-rpc/shm"
)

func TestConstructorsSetKind(t *testing.T) {
	loc := shm.Location{MemoryID: "m", Ptr: 64, Size: 128}
	cases := []struct {
		msg  *Message
		kind Kind
	}{
		{NewAsyncCall(1, "timer/sleep", json.RawMessage(`{"ms":50}`)), KindAsyncCall},
		{NewAsyncResponse(1, json.RawMessage(`true`)), KindAsyncResponse},
		{NewErrorResponse(1, &Error{Code: 2, Message: "no"}), KindAsyncResponse},
		{NewSyncCall("fileSystem/stat", loc), KindSyncCall},
		{NewNotification("$/cancelRequest", json.RawMessage(`{"id":1}`)), KindNotification},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, c.msg.Kind, c.msg.String())
		assert.NoError(t, c.msg.Validate(), c.msg.String())
	}
}

func TestValidate(t *testing.T) {
	bad := []*Message{
		{Kind: KindAsyncCall, Method: "x"},
		{Kind: KindAsyncCall, ID: 1},
		{Kind: KindAsyncResponse},
		{Kind: KindSyncCall, Method: "x"},
		{Kind: KindSyncCall, Method: "x", Region: &shm.Location{}},
		{Kind: KindNotification},
		{Kind: Kind(9), Method: "x"},
	}
	for _, m := range bad {
		assert.True(t, errors.Is(m.Validate(), ErrMalformed), "%+v", m)
	}
}

func TestJSONShape(t *testing.T) {
	data, err := json.Marshal(NewSyncCall("x", shm.Location{MemoryID: "m", Ptr: 8, Size: 40}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":2,"method":"x","region":{"memory":"m","ptr":8,"size":40}}`, string(data))

	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"kind":1,"id":3,"error":{"code":5,"message":"boom"}}`), &m))
	assert.Equal(t, KindAsyncResponse, m.Kind)
	var e *Error
	require.True(t, errors.As(error(m.Error), &e))
	assert.Equal(t, "code 5: boom", e.Error())
}
