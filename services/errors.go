// Package services holds the demo services the syncrpc command serves.
package services

import (
	"encoding/json"
	"io/fs"

	"github.com/pkg/errors"

	"sync-rpc/message"
)

// Application error codes, numbered like the matching errno values.
const (
	CodeFileNotFound     int32 = 2
	CodePermissionDenied int32 = 13
	CodeFileExists       int32 = 17
	CodeNotADirectory    int32 = 20
	CodeIsADirectory     int32 = 21
	CodeInvalidArgument  int32 = 22
)

// fsError maps file system errors onto application codes. Errors without a mapping are
// returned unchanged and reach the caller as handler failures.
func fsError(err error, path string) error {
	var code int32
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = CodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		code = CodePermissionDenied
	case errors.Is(err, fs.ErrExist):
		code = CodeFileExists
	default:
		return err
	}
	data, _ := json.Marshal(map[string]string{"path": path})
	return &message.Error{Code: code, Message: err.Error(), Data: data}
}

func codeError(code int32, msg string) error {
	return &message.Error{Code: code, Message: msg}
}

func invalidArgument(msg string) error { return codeError(CodeInvalidArgument, msg) }
