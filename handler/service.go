package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"
)

var (
	ErrServiceNotFound = errors.New("handler: service not found")
	ErrMethodNotFound  = errors.New("handler: method not found")
	ErrBadArguments    = errors.New("handler: bad arguments")
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method     reflect.Method
	withCtx    bool           // first argument is a context.Context
	argTypes   []reflect.Type // remote arguments, after the optional context
	hasResult  bool
	returnsErr bool
}

// Service is the method table of one service receiver, built once when the service is
// registered. Callable methods are the exported, non-variadic methods returning
// (T, error), error, T or nothing, optionally taking a leading context.Context.
type Service struct {
	name    string
	rcvr    reflect.Value
	methods map[string]*methodType
}

// NewService scans rcvr's method set.
func NewService(name string, rcvr any) (*Service, error) {
	if rcvr == nil {
		return nil, fmt.Errorf("handler: service %s: nil receiver", name)
	}
	typ := reflect.TypeOf(rcvr)
	s := &Service{
		name:    name,
		rcvr:    reflect.ValueOf(rcvr),
		methods: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt, ok := newMethodType(typ.Method(i)); ok {
			s.methods[mt.method.Name] = mt
		}
	}
	if len(s.methods) == 0 {
		return nil, fmt.Errorf("handler: service %s: type %s has no callable methods", name, typ)
	}
	return s, nil
}

func newMethodType(m reflect.Method) (*methodType, bool) {
	ft := m.Type
	if !m.IsExported() || ft.IsVariadic() {
		return nil, false
	}
	mt := &methodType{method: m}
	in := 1 // receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.withCtx = true
		in++
	}
	for ; in < ft.NumIn(); in++ {
		mt.argTypes = append(mt.argTypes, ft.In(in))
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.returnsErr = true
		} else {
			mt.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		mt.hasResult, mt.returnsErr = true, true
	default:
		return nil, false
	}
	return mt, true
}

// Name is the service key the table was registered under.
func (s *Service) Name() string { return s.name }

// Methods lists the callable method names, sorted.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) lookup(name string) (*methodType, bool) {
	if mt, ok := s.methods[name]; ok {
		return mt, true
	}
	// callers written against lower-case method names ("hello") reach Hello
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return nil, false
	}
	mt, ok := s.methods[string(unicode.ToUpper(r))+name[size:]]
	return mt, ok
}

// Call invokes method with params converted to the declared argument types.
func (s *Service) Call(ctx context.Context, method string, params []any) (any, error) {
	mt, ok := s.lookup(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, s.name, method)
	}
	if len(params) != len(mt.argTypes) {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d",
			ErrBadArguments, s.name, mt.method.Name, len(mt.argTypes), len(params))
	}

	args := make([]reflect.Value, 0, 2+len(params))
	args = append(args, s.rcvr)
	if mt.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, p := range params {
		v, err := convert(p, mt.argTypes[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s argument %d: %w", ErrBadArguments, s.name, mt.method.Name, i, err)
		}
		args = append(args, v)
	}

	out := mt.method.Func.Call(args)
	var result any
	if mt.hasResult {
		result = out[0].Interface()
	}
	if mt.returnsErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return result, errv.Interface().(error)
		}
	}
	return result, nil
}

// convert adapts a decoded parameter to t. Serializers that decode into `any` (JSON)
// yield generic values such as float64 and map[string]any; those are re-decoded
// into t through JSON.
func convert(p any, t reflect.Type) (reflect.Value, error) {
	if p == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(p)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
