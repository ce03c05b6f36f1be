// SPDX-License-Identifier: MIT

package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferEmpty(t *testing.T) {
	b := NewFrameBuffer()
	data, ct, gen, ok := b.Latest()
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Empty(t, ct)
	assert.Zero(t, gen)
}

func TestFrameBufferKeepsOnlyNewest(t *testing.T) {
	b := NewFrameBuffer()
	for i := 0; i < 5; i++ {
		b.Publish([]byte(fmt.Sprintf("frame-%d", i)))
	}
	data, ct, gen, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte("frame-4"), data)
	assert.Equal(t, JPEGContentType, ct)
	assert.Equal(t, uint64(5), gen)
}

func TestFrameBufferClear(t *testing.T) {
	b := NewFrameBuffer()
	b.Publish([]byte("frame"))
	b.Clear()

	data, _, gen, ok := b.Latest()
	assert.False(t, ok)
	assert.Nil(t, data)
	// Clear advances the generation so stream readers wake up.
	assert.Equal(t, uint64(2), gen)
}

func TestFrameBufferConcurrentAccess(t *testing.T) {
	b := NewFrameBuffer()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish([]byte{byte(j)})
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Latest()
			}
		}()
	}
	wg.Wait()

	_, _, gen, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(400), gen)
}
