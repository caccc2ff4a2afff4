package cxi

import (
	"fmt"

	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

var (
	// ErrForeignResource is returned when a resource from another provider
	// is passed to a cxi entry point.
	ErrForeignResource = verbs.ErrForeignResource
	// ErrQPTableFull is returned when a context has no free QP table slot.
	ErrQPTableFull = fmt.Errorf("cxi: QP table full: %w", unix.ENOMEM)
	// ErrQueueFull is returned when a work queue has no free entry.
	ErrQueueFull = fmt.Errorf("cxi: work queue full: %w", unix.ENOMEM)
)
