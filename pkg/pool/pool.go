// Buffer pools for the monitor's rendered responses
//
// Heatmaps and mesh dumps are rendered into a buffer before the response
// header is written. The buffers are reused across requests:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"bytes"
	"sync"
)

// MaxPooledSize is the largest buffer capacity returned to the pool.
// A full-size PNG heatmap fits comfortably.
const MaxPooledSize = 1 << 20

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a buffer to the pool
func PutBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	// Oversized buffers are left to the GC
	if b.Cap() > MaxPooledSize {
		return
	}
	bufferPool.Put(b)
}

var lineBuilderPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetLine gets a small buffer for one text line, such as a block record.
func GetLine() *bytes.Buffer {
	b := lineBuilderPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutLine returns a line buffer.
func PutLine(b *bytes.Buffer) {
	if b == nil || b.Cap() > 4096 {
		return
	}
	lineBuilderPool.Put(b)
}
