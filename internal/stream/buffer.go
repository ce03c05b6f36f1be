// SPDX-License-Identifier: MIT

package stream

import "sync"

// JPEGContentType is the content type of every published frame.
const JPEGContentType = "image/jpeg"

// FrameBuffer holds the most recently encoded viewable frame for one room.
// It is a single slot that is overwritten in place: slow consumers always
// see the newest frame and never build a backlog behind the worker.
type FrameBuffer struct {
	mu          sync.RWMutex
	data        []byte
	contentType string
	gen         uint64
}

// NewFrameBuffer returns an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Publish overwrites the slot with a freshly encoded frame and bumps the
// generation counter. The buffer takes ownership of data.
func (b *FrameBuffer) Publish(data []byte) {
	b.mu.Lock()
	b.data = data
	b.contentType = JPEGContentType
	b.gen++
	b.mu.Unlock()
}

// Latest returns the current frame, its content type and generation counter.
// ok is false when no frame has been published since the last Clear.
func (b *FrameBuffer) Latest() (data []byte, contentType string, gen uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return nil, "", b.gen, false
	}
	return b.data, b.contentType, b.gen, true
}

// Clear drops the buffered frame. The generation counter keeps advancing so
// consumers polling on it observe the reset.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	b.data = nil
	b.contentType = ""
	b.gen++
	b.mu.Unlock()
}
