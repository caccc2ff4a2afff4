// Package transport carries uverbs method invocations from the provider to the
// kernel and maps device memory back into the process.
//
// A Request names an object and a method and carries an ordered list of
// attributes. The ioctl Conn serializes it into the kernel's
// ib_uverbs_ioctl_hdr format; other Conn implementations (the simulated
// kernel) read the attributes directly.
package transport

import (
	"encoding/binary"
	"fmt"
)

// AttrKind describes how an attribute's payload travels.
type AttrKind uint8

const (
	// AttrIn is a caller buffer the kernel reads.
	AttrIn AttrKind = iota
	// AttrOut is a caller buffer the kernel writes.
	AttrOut
	// AttrConst is an inline 64-bit constant.
	AttrConst
	// AttrObj is an inline object handle.
	AttrObj
)

func (k AttrKind) String() string {
	switch k {
	case AttrIn:
		return "in"
	case AttrOut:
		return "out"
	case AttrConst:
		return "const"
	case AttrObj:
		return "obj"
	default:
		return fmt.Sprintf("AttrKind(%d)", uint8(k))
	}
}

// Attribute flags as the kernel defines them.
const (
	AttrFlagMandatory   uint16 = 1 << 0
	AttrFlagValidOutput uint16 = 1 << 1
)

// Attr is one method attribute.
type Attr struct {
	ID    uint16
	Kind  AttrKind
	Flags uint16
	// Data is the payload for AttrIn and the destination for AttrOut.
	Data []byte
	// Value holds AttrConst and AttrObj payloads.
	Value uint64
	// Written is set once the kernel has filled an AttrOut buffer.
	Written bool
}

// Uint64 decodes the attribute payload as an unsigned integer. In buffers
// shorter than eight bytes are zero extended.
func (a *Attr) Uint64() uint64 {
	if a.Kind == AttrConst || a.Kind == AttrObj {
		return a.Value
	}
	var b [8]byte
	copy(b[:], a.Data)
	return binary.NativeEndian.Uint64(b[:])
}

// SetOutput copies src into an AttrOut buffer, truncating to the caller's
// length, and marks it written.
func (a *Attr) SetOutput(src []byte) {
	copy(a.Data, src)
	a.Written = true
	a.Flags |= AttrFlagValidOutput
}

// Request is one method invocation.
type Request struct {
	Object uint16
	Method uint16
	Attrs  []Attr
}

// NewRequest returns an empty request for object/method with room for n
// attributes.
func NewRequest(object, method uint16, n int) *Request {
	return &Request{
		Object: object,
		Method: method,
		Attrs:  make([]Attr, 0, n),
	}
}

// AddIn appends a mandatory input buffer.
func (r *Request) AddIn(id uint16, b []byte) *Request {
	r.Attrs = append(r.Attrs, Attr{ID: id, Kind: AttrIn, Flags: AttrFlagMandatory, Data: b})
	return r
}

// AddOut appends an output buffer. The kernel may skip outputs it does not
// know about, so they are not mandatory.
func (r *Request) AddOut(id uint16, b []byte) *Request {
	r.Attrs = append(r.Attrs, Attr{ID: id, Kind: AttrOut, Data: b})
	return r
}

// AddConst appends a mandatory inline constant.
func (r *Request) AddConst(id uint16, v uint64) *Request {
	r.Attrs = append(r.Attrs, Attr{ID: id, Kind: AttrConst, Flags: AttrFlagMandatory, Value: v})
	return r
}

// AddObj appends a mandatory object handle.
func (r *Request) AddObj(id uint16, handle uint32) *Request {
	r.Attrs = append(r.Attrs, Attr{ID: id, Kind: AttrObj, Flags: AttrFlagMandatory, Value: uint64(handle)})
	return r
}

// Attr returns the attribute with the given id, or nil.
func (r *Request) Attr(id uint16) *Attr {
	for i := range r.Attrs {
		if r.Attrs[i].ID == id {
			return &r.Attrs[i]
		}
	}
	return nil
}
