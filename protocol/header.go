package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"sync-rpc/shm"
)

// A sync request region starts with ten 32-bit words, followed by the request text,
// the binary payload and the reserved result space:
//
//	word 0  flag            0 pending, 1 done, 2 abandoned by the caller,
//	                        3 completed after it was abandoned
//	word 1  textOffset      relative to the region start
//	word 2  textLength
//	word 3  binaryOffset
//	word 4  binaryLength
//	word 5  errorCode       int32, see Code*
//	word 6  resultOffset
//	word 7  resultLength    reserved capacity, 0 = result not wanted
//	word 8  cancelled       set by the caller to ask the handler to stop
//	word 9  resultWritten   bytes actually written, <= resultLength
//
//	┌────────────┬──────────────┬─────┬────────────┬─────┬──────────────┐
//	│ header(40) │ request JSON │ pad │ binary ... │ pad │ result ...   │
//	└────────────┴──────────────┴─────┴────────────┴─────┴──────────────┘
//
// The binary payload and the result start on 8-byte boundaries. Words are accessed
// with the buffer's atomic operations, in the machine's native (little-endian) order.
const (
	SyncHeaderSize = 40

	wordFlag          = 0
	wordTextOffset    = 1
	wordTextLength    = 2
	wordBinaryOffset  = 3
	wordBinaryLength  = 4
	wordErrorCode     = 5
	wordResultOffset  = 6
	wordResultLength  = 7
	wordCancelled     = 8
	wordResultWritten = 9

	FlagPending   uint32 = 0
	FlagDone      uint32 = 1
	FlagAbandoned uint32 = 2
	// FlagReclaimable marks an abandoned region whose handler has finished with it.
	FlagReclaimable uint32 = 3
)

// Reserved error codes. Negative codes are protocol level failures; positive codes
// belong to the application.
const (
	CodeOK             int32 = 0
	CodeInvalidHeader  int32 = -1
	CodeInvalidJSON    int32 = -2
	CodeInvalidRequest int32 = -3
	CodeNoHandler      int32 = -4
	CodeResultTooLarge int32 = -5
	CodeRateLimited    int32 = -6
	CodeTimeout        int32 = -7
	CodeCancelled      int32 = -8
	CodeHandlerFailure int32 = 0xFFFF
)

var codeText = map[int32]string{
	CodeOK:             "ok",
	CodeInvalidHeader:  "invalid header",
	CodeInvalidJSON:    "invalid request JSON",
	CodeInvalidRequest: "invalid request",
	CodeNoHandler:      "no handler",
	CodeResultTooLarge: "result too large",
	CodeRateLimited:    "rate limited",
	CodeTimeout:        "handler timed out",
	CodeCancelled:      "cancelled",
	CodeHandlerFailure: "handler failure",
}

// CodeText returns a short description of a reserved code.
func CodeText(code int32) string {
	if s, ok := codeText[code]; ok {
		return s
	}
	if code < 0 {
		return fmt.Sprintf("protocol error %d", code)
	}
	return fmt.Sprintf("application error %d", code)
}

// IsProtocolCode reports whether code is a protocol level failure.
func IsProtocolCode(code int32) bool { return code < 0 }

var ErrInvalidHeader = errors.New("protocol: invalid sync header")

// Request is the JSON text of a sync request.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// BinaryCarrier is implemented by params that carry a byte payload outside of their
// JSON form. The payload is stored in the binary section of the region; the carrier
// should exclude it from its JSON encoding.
type BinaryCarrier interface {
	BinaryPayload() []byte
}

// BinaryField is the params map key whose []byte value is moved to the binary section.
const BinaryField = "binary"

// EncodedRequest is a serialized request, ready to be written into a region.
type EncodedRequest struct {
	Text       []byte
	Binary     []byte
	ResultSize uint32
}

// EncodeRequest serializes method and params. A []byte under BinaryField in a
// map[string]any, or the payload of a BinaryCarrier, is split off into Binary.
func EncodeRequest(method string, params any, resultSize uint32) (*EncodedRequest, error) {
	if method == "" {
		return nil, errors.New("protocol: empty method name")
	}
	var bin []byte
	switch p := params.(type) {
	case map[string]any:
		if b, ok := p[BinaryField].([]byte); ok {
			bin = b
			rest := make(map[string]any, len(p)-1)
			for k, v := range p {
				if k != BinaryField {
					rest[k] = v
				}
			}
			params = rest
		}
	case BinaryCarrier:
		bin = p.BinaryPayload()
	}

	req := Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrapf(err, "encode params of %s", method)
		}
		req.Params = raw
	}
	text, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, "encode request %s", method)
	}
	return &EncodedRequest{Text: text, Binary: bin, ResultSize: resultSize}, nil
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

func (e *EncodedRequest) layout() (binOff, resOff, total uint64) {
	binOff = align8(SyncHeaderSize + uint64(len(e.Text)))
	resOff = align8(binOff + uint64(len(e.Binary)))
	total = resOff + uint64(e.ResultSize)
	return
}

// RegionSize is the number of bytes the request needs in shared memory.
func (e *EncodedRequest) RegionSize() (uint32, error) {
	_, _, total := e.layout()
	if total > uint64(^uint32(0)) {
		return 0, errors.Errorf("protocol: request region of %d bytes is too large", total)
	}
	return uint32(total), nil
}

// Region is a sync request region inside a shared buffer. Off must be 4-byte aligned.
type Region struct {
	Buf  *shm.Buffer
	Off  uint32
	Size uint32
}

// OpenRegion resolves loc to a region, checking that it can hold a header.
func OpenRegion(r shm.Resolver, loc shm.Location) (Region, error) {
	buf, _, err := shm.Bytes(r, loc)
	if err != nil {
		return Region{}, err
	}
	if loc.Size < SyncHeaderSize || loc.Ptr%4 != 0 {
		return Region{}, errors.Wrapf(ErrInvalidHeader, "region %v cannot hold a header", loc)
	}
	return Region{Buf: buf, Off: loc.Ptr, Size: loc.Size}, nil
}

// minSignalSize covers the header words up to and including the error code.
const minSignalSize = 4 * (wordErrorCode + 1)

// FailRegion reports code through a region OpenRegion rejected, as long as its flag and
// error code words can be reached. It returns false when there is nothing to signal.
func FailRegion(r shm.Resolver, loc shm.Location, code int32) bool {
	if loc.Ptr%4 != 0 || loc.Size < minSignalSize {
		return false
	}
	buf, _, err := shm.Bytes(r, loc)
	if err != nil {
		return false
	}
	Region{Buf: buf, Off: loc.Ptr, Size: loc.Size}.Complete(code)
	return true
}

func (r Region) Location() shm.Location {
	return shm.Location{MemoryID: r.Buf.ID(), Ptr: r.Off, Size: r.Size}
}

func (r Region) load(w uint32) uint32     { return r.Buf.Load(r.Off + 4*w) }
func (r Region) store(w uint32, v uint32) { r.Buf.Store(r.Off+4*w, v) }

func (r Region) bytes(off, n uint32) []byte {
	b, err := r.Buf.Bytes(r.Off+off, n)
	if err != nil {
		panic(err)
	}
	return b
}

// Write lays the request out in the region and resets the flag, cancellation and
// result words. The region must be at least RegionSize bytes.
func (r Region) Write(e *EncodedRequest) error {
	binOff, resOff, total := e.layout()
	if total > uint64(r.Size) {
		return errors.Wrapf(ErrInvalidHeader, "request needs %d bytes, region has %d", total, r.Size)
	}
	copy(r.bytes(SyncHeaderSize, uint32(len(e.Text))), e.Text)
	copy(r.bytes(uint32(binOff), uint32(len(e.Binary))), e.Binary)

	r.store(wordTextOffset, SyncHeaderSize)
	r.store(wordTextLength, uint32(len(e.Text)))
	r.store(wordBinaryOffset, uint32(binOff))
	r.store(wordBinaryLength, uint32(len(e.Binary)))
	r.store(wordErrorCode, uint32(CodeOK))
	r.store(wordResultOffset, uint32(resOff))
	r.store(wordResultLength, e.ResultSize)
	r.store(wordResultWritten, 0)
	r.store(wordCancelled, 0)
	r.store(wordFlag, FlagPending)
	return nil
}

// SyncHeader is a decoded and validated copy of the header words.
type SyncHeader struct {
	TextOffset, TextLength     uint32
	BinaryOffset, BinaryLength uint32
	ErrorCode                  int32
	ResultOffset, ResultLength uint32
	ResultWritten              uint32
}

func (r Region) checkSection(name string, off, n uint32) error {
	if n == 0 {
		return nil
	}
	if off < SyncHeaderSize || uint64(off)+uint64(n) > uint64(r.Size) {
		return errors.Wrapf(ErrInvalidHeader, "%s [%d,+%d) outside region of %d bytes", name, off, n, r.Size)
	}
	return nil
}

// Header reads the header words and validates every section against the region.
func (r Region) Header() (SyncHeader, error) {
	h := SyncHeader{
		TextOffset:    r.load(wordTextOffset),
		TextLength:    r.load(wordTextLength),
		BinaryOffset:  r.load(wordBinaryOffset),
		BinaryLength:  r.load(wordBinaryLength),
		ErrorCode:     int32(r.load(wordErrorCode)),
		ResultOffset:  r.load(wordResultOffset),
		ResultLength:  r.load(wordResultLength),
		ResultWritten: r.load(wordResultWritten),
	}
	if err := r.checkSection("request text", h.TextOffset, h.TextLength); err != nil {
		return h, err
	}
	if err := r.checkSection("binary", h.BinaryOffset, h.BinaryLength); err != nil {
		return h, err
	}
	if err := r.checkSection("result", h.ResultOffset, h.ResultLength); err != nil {
		return h, err
	}
	if h.ResultWritten > h.ResultLength {
		return h, errors.Wrapf(ErrInvalidHeader, "result written %d exceeds capacity %d", h.ResultWritten, h.ResultLength)
	}
	return h, nil
}

// ReadRequest decodes the request of a region on the handling side. On failure it
// returns the code to report back instead of an error.
func (r Region) ReadRequest() (req *Request, binary []byte, code int32) {
	h, err := r.Header()
	if err != nil {
		return nil, nil, CodeInvalidHeader
	}
	if h.TextLength == 0 {
		return nil, nil, CodeInvalidRequest
	}
	req = &Request{}
	if err := json.Unmarshal(r.bytes(h.TextOffset, h.TextLength), req); err != nil {
		return nil, nil, CodeInvalidJSON
	}
	if req.Method == "" {
		return nil, nil, CodeInvalidRequest
	}
	if h.BinaryLength > 0 {
		binary = r.bytes(h.BinaryOffset, h.BinaryLength)
	}
	return req, binary, CodeOK
}

// EncodeResult converts a handler result to the bytes stored in the result section.
// []byte and json.RawMessage are stored verbatim, nil stores nothing, anything else
// is JSON encoded.
func EncodeResult(v any) ([]byte, error) {
	switch res := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return res, nil
	case json.RawMessage:
		return res, nil
	default:
		return json.Marshal(v)
	}
}

// WriteResult stores result in the region's result section. A region that reserved
// no result space discards it. A result larger than the reserved space is not written
// and CodeResultTooLarge is returned.
func (r Region) WriteResult(result []byte) int32 {
	h, err := r.Header()
	if err != nil {
		return CodeInvalidHeader
	}
	if h.ResultLength == 0 || len(result) == 0 {
		return CodeOK
	}
	if uint64(len(result)) > uint64(h.ResultLength) {
		return CodeResultTooLarge
	}
	copy(r.bytes(h.ResultOffset, uint32(len(result))), result)
	r.store(wordResultWritten, uint32(len(result)))
	return CodeOK
}

// Result returns a copy of the bytes the handler wrote.
func (r Region) Result() ([]byte, error) {
	h, err := r.Header()
	if err != nil {
		return nil, err
	}
	out := make([]byte, h.ResultWritten)
	copy(out, r.bytes(h.ResultOffset, h.ResultWritten))
	return out, nil
}

func (r Region) Flag() uint32 { return r.load(wordFlag) }

func (r Region) ErrorCode() int32 { return int32(r.load(wordErrorCode)) }

// Complete stores code, flips the flag to done and wakes the waiting caller. Completing
// an abandoned region marks it reclaimable instead; it never reads as done.
func (r Region) Complete(code int32) {
	r.store(wordErrorCode, uint32(code))
	flag := r.Off + 4*wordFlag
	if !r.Buf.CompareAndSwap(flag, FlagPending, FlagDone) {
		r.Buf.CompareAndSwap(flag, FlagAbandoned, FlagReclaimable)
	}
	r.Buf.Notify(flag, -1)
}

// Finished reports whether the handler side is done with the region, so its memory
// can be freed.
func (r Region) Finished() bool {
	f := r.Flag()
	return f == FlagDone || f == FlagReclaimable
}

// Wait blocks until the flag leaves FlagPending or timeout elapses. A negative timeout
// waits forever.
func (r Region) Wait(timeout time.Duration) (shm.WaitResult, error) {
	return r.Buf.Wait(r.Off+4*wordFlag, FlagPending, timeout)
}

// Abandon is called by a caller that stops waiting. It reports false when the handler
// completed first, in which case the result is valid and must be read.
func (r Region) Abandon() bool {
	if !r.Buf.CompareAndSwap(r.Off+4*wordFlag, FlagPending, FlagAbandoned) {
		return false
	}
	r.Buf.Notify(r.Off+4*wordFlag, -1)
	return true
}

// Cancel asks the handler to stop. Handlers observe it through Cancelled.
func (r Region) Cancel() { r.store(wordCancelled, 1) }

// Cancelled reports whether the caller asked the handler to stop or gave up waiting.
func (r Region) Cancelled() bool {
	return r.load(wordCancelled) != 0 || r.Flag() >= FlagAbandoned
}
