package serialization

import (
	"reflect"
)

// TypeOf returns the reflect.Type of T, including interface types
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TypeName returns a readable name for t, qualified with its package name.
// Pointers are reported by their element type; nil yields "dynamic".
func TypeName(t reflect.Type) string {
	if t == nil {
		return "dynamic"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.String()
}
