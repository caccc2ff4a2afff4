package abi

import (
	"reflect"
	"unsafe"
)

// Field describes one named member of an ABI record.
type Field struct {
	Name   string
	Offset uintptr
	Size   uintptr
}

// FieldAvail reports whether a field at offset with the given size fits in a
// caller buffer of inlen bytes.
func FieldAvail(offset, size uintptr, inlen uint32) bool {
	return offset+size <= uintptr(inlen)
}

// Fields lists the named members of the struct pointed to by v in declaration
// order. Blank padding members are skipped.
func Fields(v any) []Field {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Name == "_" {
			continue
		}
		fields = append(fields, Field{
			Name:   sf.Name,
			Offset: sf.Offset,
			Size:   sf.Type.Size(),
		})
	}
	return fields
}

// Bytes returns a slice aliasing the memory of *p.
func Bytes[T any](p *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(*p))
}

// Encode returns a copy of the wire image of *p.
func Encode[T any](p *T) []byte {
	b := Bytes(p)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Decode copies a wire image into *p. A short image leaves the tail of *p
// untouched, which is what a caller sees when an older peer fills a smaller
// record.
func Decode[T any](b []byte, p *T) {
	copy(Bytes(p), b)
}

// CopyAvailable zeroes the first inlen bytes of *dst and copies every field of
// *src that fits in inlen. Bytes of *dst past inlen are never written.
func CopyAvailable[T any](dst, src *T, inlen uint32) {
	d := Bytes(dst)
	s := Bytes(src)

	n := uintptr(inlen)
	if n > uintptr(len(d)) {
		n = uintptr(len(d))
	}
	clear(d[:n])

	for _, f := range Fields(src) {
		if !FieldAvail(f.Offset, f.Size, inlen) {
			continue
		}
		copy(d[f.Offset:f.Offset+f.Size], s[f.Offset:f.Offset+f.Size])
	}
}
