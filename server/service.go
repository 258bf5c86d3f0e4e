package server

import (
	"context"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// BinaryReceiver is implemented by argument types that want the binary section of a sync
// call. The slice aliases the caller's shared memory and is only valid until the method
// returns.
type BinaryReceiver interface {
	SetBinary(b []byte)
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method      reflect.Method
	name        string // wire name: "stat"
	withContext bool
	ArgType     reflect.Type
	ReplyType   reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for methods of the shape
//
//	func (s *T) Method(args *Args, reply *Reply) error
//	func (s *T) Method(ctx context.Context, args *Args, reply *Reply) error
//
// name defaults to the lower camel case type name.
func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = lowerCamel(typ.Elem().Name())
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("server: %s has no exported method of the form (ctx, *Args, *Reply) error", typ)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := methodOf(m)
		if mt == nil {
			continue
		}
		s.method[mt.name] = mt
	}
}

func methodOf(m reflect.Method) *methodType {
	t := m.Type
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return nil
	}
	first := 1
	withContext := false
	switch t.NumIn() {
	case 3:
	case 4:
		if t.In(1) != contextType {
			return nil
		}
		first, withContext = 2, true
	default:
		return nil
	}
	if t.In(first).Kind() != reflect.Ptr || t.In(first+1).Kind() != reflect.Ptr {
		return nil
	}
	return &methodType{
		method:      m,
		name:        lowerCamel(m.Name),
		withContext: withContext,
		ArgType:     t.In(first).Elem(),
		ReplyType:   t.In(first + 1).Elem(),
	}
}

// call decodes the arguments with bind, invokes the method and returns the reply.
func (s *service) call(ctx context.Context, mt *methodType, bind func(any) error, binary []byte) (any, error) {
	argv := reflect.New(mt.ArgType)
	if err := bind(argv.Interface()); err != nil {
		return nil, err
	}
	if br, ok := argv.Interface().(BinaryReceiver); ok && binary != nil {
		br.SetBinary(binary)
	}
	replyv := reflect.New(mt.ReplyType)

	in := make([]reflect.Value, 0, 4)
	in = append(in, s.rcvr)
	if mt.withContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)
	results := mt.method.Func.Call(in)
	if !results[0].IsNil() {
		return nil, results[0].Interface().(error)
	}
	return replyv.Interface(), nil
}

func lowerCamel(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}
