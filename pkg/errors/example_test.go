// Examples of the unified error handling
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors_test

import (
	stderrors "errors"
	"fmt"
	"io"

	"meshmotion/pkg/errors"
)

func ExampleConfigValidationError() {
	err := errors.ConfigValidationError("planner", "buffer_size", "must be a power of two")
	fmt.Println(err)
	fmt.Println(errors.IsConfig(err))
	// Output:
	// [CONFIG_VALIDATION:buffer_size] option 'buffer_size' in section 'planner': must be a power of two
	// true
}

func ExampleSlotOutOfRange() {
	err := errors.SlotOutOfRange(5, 3)
	fmt.Println(err)
	fmt.Println(err.Context["slot"], errors.IsStorage(err))
	// Output:
	// [MESH_SLOT_OUT_OF_RANGE:mesh] invalid storage slot 5, use 0 to 2
	// 5 true
}

func ExampleIsQueueFull() {
	// Backpressure survives wrapping; callers retry instead of failing.
	err := fmt.Errorf("submit segment: %w", errors.QueueFull(15))
	fmt.Println(errors.IsQueueFull(err))
	fmt.Println(errors.Is(err, errors.ErrMoveRejected))
	// Output:
	// true
	// false
}

func ExampleTransportError() {
	err := errors.TransportError(io.ErrClosedPipe, "write block")
	fmt.Println(err)
	fmt.Println(stderrors.Is(err, io.ErrClosedPipe))
	// Output:
	// [TRANSPORT] transport write block failed: io: read/write on closed pipe
	// true
}

func ExampleHalted() {
	err := errors.Halted("emergency_stop", "requested over http")
	fmt.Println(err)
	fmt.Println(err.Context["reason"])
	// Output:
	// [HALTED] halted (emergency_stop): requested over http
	// emergency_stop
}
