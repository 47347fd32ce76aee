package engine

import (
	"iter"
	"reflect"
)

// flatten yields the items of a terminal output, slices and sequences are
// unpacked one level and nil yields nothing.
func flatten(output any) iter.Seq[any] {
	return func(yield func(any) bool) {
		switch v := output.(type) {
		case nil:
			return
		case []byte, string:
			yield(v)
			return
		case iter.Seq[any]:
			for item := range v {
				if !yield(item) {
					return
				}
			}
			return
		case []any:
			for _, item := range v {
				if item == nil {
					continue
				}
				if !yield(item) {
					return
				}
			}
			return
		}

		value := reflect.ValueOf(output)
		if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
			yield(output)
			return
		}
		for i := 0; i < value.Len(); i++ {
			if !yield(value.Index(i).Interface()) {
				return
			}
		}
	}
}
