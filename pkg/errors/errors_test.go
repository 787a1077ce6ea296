// Unified error handling tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestHostErrorFormat(t *testing.T) {
	err := SlotOutOfRange(5, 3)
	msg := err.Error()
	if !strings.Contains(msg, "MESH_SLOT_OUT_OF_RANGE") {
		t.Errorf("expected code in message, got: %s", msg)
	}
	if !strings.Contains(msg, "use 0 to 2") {
		t.Errorf("expected slot range in message, got: %s", msg)
	}
	if err.Context["slots"] != 3 {
		t.Errorf("expected slots context 3, got %v", err.Context["slots"])
	}
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := QueueFull(16)
	outer := fmt.Errorf("submit: %w", inner)
	if !IsQueueFull(outer) {
		t.Fatal("expected wrapped queue full error to match")
	}
	if Is(outer, ErrMoveRejected) {
		t.Error("did not expect MOVE_REJECTED to match")
	}

	archived := ArchiveError(StorageUnavailable("no region"), "save")
	if !Is(archived, ErrArchive) {
		t.Error("expected ARCHIVE code")
	}
	if !IsStorage(archived) {
		t.Error("expected cause chain to expose storage error")
	}
}

func TestIsNilAndForeign(t *testing.T) {
	if Is(nil, ErrQueueFull) {
		t.Error("nil error must not match")
	}
	if Is(fmt.Errorf("plain"), ErrQueueFull) {
		t.Error("foreign error must not match")
	}
}
