package socket

import (
	"bytes"
	"fmt"
	"net"
	"reflect"
	"strings"
)

// ByteLen returns the number of bytes a data unit occupies on the wire.
//
// Strings are measured by their UTF-8 encoded length, byte slices, byte
// arrays and byte buffers by their length, nil by zero. Anything else is
// measured through its textual form. ByteLen never panics and never returns a
// negative value.
func ByteLen(v any) (n int) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
		}
	}()

	switch u := v.(type) {
	case nil:
		return 0
	case string:
		return len(u)
	case []byte:
		return len(u)
	case net.Buffers:
		return buffersLen(u)
	case [][]byte:
		return buffersLen(u)
	case *bytes.Buffer:
		if u == nil {
			return 0
		}
		return u.Len()
	case *bytes.Reader:
		if u == nil {
			return 0
		}
		return u.Len()
	case *strings.Reader:
		if u == nil {
			return 0
		}
		return u.Len()
	case *strings.Builder:
		if u == nil {
			return 0
		}
		return u.Len()
	}

	// Named byte slices (json.RawMessage, net.IP), byte arrays and named
	// strings are raw data too.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.Len()
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Len()
		}
	}

	switch u := v.(type) {
	case fmt.Stringer:
		if isNilPointer(v) {
			return 0
		}
		return len(u.String())
	case error:
		if isNilPointer(v) {
			return 0
		}
		return len(u.Error())
	}
	if isNilPointer(v) {
		return 0
	}
	return len(fmt.Sprint(v))
}

func buffersLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// isNilPointer reports whether v is a typed nil (pointer, map, slice, ...)
// hidden inside a non-nil interface.
func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
