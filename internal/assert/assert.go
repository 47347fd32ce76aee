package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics when value is nil, including nil pointers, maps, slices,
// funcs and channels wrapped in an interface.
func NotNil(value any) {
	if isNil(value) {
		panic(fmt.Sprintf("expected value of type %T to be not nil", value))
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
