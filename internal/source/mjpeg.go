// SPDX-License-Identifier: MIT

package source

import (
	"bufio"
	"bytes"
	"io"
)

// JPEG stream markers.
const (
	markerPrefix = 0xff
	markerSOI    = 0xd8
	markerEOI    = 0xd9
)

// mjpegScanner splits a concatenated JPEG stream (ffmpeg's mjpeg muxer
// output, or an uploaded .mjpeg file) into individual frames. Garbage bytes
// between frames are discarded.
type mjpegScanner struct {
	r *bufio.Reader
}

func newMJPEGScanner(r io.Reader) *mjpegScanner {
	return &mjpegScanner{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the raw bytes of the next JPEG frame, SOI through EOI
// inclusive. io.EOF is returned once the underlying stream is exhausted.
func (s *mjpegScanner) Next() ([]byte, error) {
	if err := s.seekSOI(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, 32<<10))
	buf.WriteByte(markerPrefix)
	buf.WriteByte(markerSOI)

	var prev byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			// Truncated trailing frame; callers treat EOF as end of stream.
			return nil, err
		}
		buf.WriteByte(b)
		if prev == markerPrefix && b == markerEOI {
			return buf.Bytes(), nil
		}
		prev = b
	}
}

// seekSOI discards bytes until the start-of-image marker.
func (s *mjpegScanner) seekSOI() error {
	var prev byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == markerPrefix && b == markerSOI {
			return nil
		}
		prev = b
	}
}
