package safe

import (
	"reflect"

	"chatrelay/logger"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators during struct initialization.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(name + " must not be nil")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			panic(name + " must not be nil")
		}
	}
}

// Go starts a goroutine that recovers from panic, so one connection's
// failure never takes the server down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
