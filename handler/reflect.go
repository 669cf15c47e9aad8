package handler

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"procbridge/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	bodyType    = reflect.TypeOf(message.Body(nil))
	stringType  = reflect.TypeOf("")
)

type resultKind int

const (
	resultNone resultKind = iota
	resultBody
	resultText
)

// funcType describes a function accepted by RegisterFunc:
//
//	func([context.Context], [message.Body]) ([message.Body | string], [error])
type funcType struct {
	fn       reflect.Value
	withCtx  bool
	withBody bool
	withErr  bool
	result   resultKind
}

func newFuncType(fn reflect.Value) (*funcType, error) {
	typ := fn.Type()
	if typ.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic functions are not supported", ErrBadSignature)
	}

	ft := &funcType{fn: fn}
	in := 0
	if in < typ.NumIn() && typ.In(in) == contextType {
		ft.withCtx = true
		in++
	}
	if in < typ.NumIn() && typ.In(in) == bodyType {
		ft.withBody = true
		in++
	}
	if in != typ.NumIn() {
		return nil, fmt.Errorf("%w: parameters of %s must be ([context.Context], [message.Body])", ErrBadSignature, typ)
	}

	out := typ.NumOut()
	if out > 0 && typ.Out(out-1) == errorType {
		ft.withErr = true
		out--
	}
	switch {
	case out == 0:
		ft.result = resultNone
	case out == 1 && typ.Out(0) == bodyType:
		ft.result = resultBody
	case out == 1 && typ.Out(0) == stringType:
		ft.result = resultText
	default:
		return nil, fmt.Errorf("%w: results of %s must be ([message.Body | string], [error])", ErrBadSignature, typ)
	}
	return ft, nil
}

func (ft *funcType) call(ctx context.Context, body message.Body) (message.Body, error) {
	args := make([]reflect.Value, 0, 2)
	if ft.withCtx {
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	if ft.withBody {
		args = append(args, reflect.ValueOf(body))
	}

	results := ft.fn.Call(args)

	if ft.withErr {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}

	switch ft.result {
	case resultBody:
		return results[0].Interface().(message.Body), nil
	case resultText:
		return message.ParseBody(results[0].String())
	}
	return nil, nil
}

// Adapt turns fn into a Func after checking its shape.
func Adapt(fn any) (Func, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrBadSignature, fn)
	}
	ft, err := newFuncType(v)
	if err != nil {
		return nil, err
	}
	return ft.call, nil
}

// RegisterFunc adds a function of any supported shape under api.
func (m *Map) RegisterFunc(api string, fn any) error {
	h, err := Adapt(fn)
	if err != nil {
		return fmt.Errorf("api %s: %w", api, err)
	}
	return m.Register(api, h)
}

// RegisterReceiver registers every exported method of rcvr with a supported shape.
// The api name is the method name with its first letter lower-cased, so
// (*Arith).Add is served as "add". Methods of other shapes are skipped.
func (m *Map) RegisterReceiver(rcvr any) ([]string, error) {
	val := reflect.ValueOf(rcvr)
	if !val.IsValid() {
		return nil, fmt.Errorf("%w: nil receiver", ErrBadSignature)
	}
	typ := val.Type()

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		ft, err := newFuncType(val.Method(i))
		if err != nil {
			continue
		}
		name := lowerFirst(method.Name)
		if err := m.Register(name, ft.call); err != nil {
			return names, err
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("%w: type %s has no handler methods", ErrBadSignature, typ)
	}
	return names, nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
