package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by a Conn used after Close.
var ErrClosed = fmt.Errorf("transport: connection closed: %w", unix.EBADF)

// Executor submits a request and waits for the kernel's answer. A failure is
// the kernel errno as a unix.Errno, never wrapped or retried.
type Executor interface {
	Execute(req *Request) error
}

// Mapper maps device memory exported by the kernel at an mmap offset.
type Mapper interface {
	Map(offset int64, length int) ([]byte, error)
	Unmap(b []byte) error
}

// Conn is an open command channel to one uverbs device.
type Conn interface {
	Executor
	Mapper
	Close() error
}
