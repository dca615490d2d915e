// Package frame splits the device's byte stream into newline-terminated
// protocol lines.
package frame

import "strings"

// Delimiter terminates every frame on the wire, in both directions.
const Delimiter = '\n'

// Decoder accumulates chunks read from the transport and yields complete
// lines. A chunk may carry zero, one or many delimiters; anything after the
// last delimiter is kept until a later chunk terminates it.
//
// Decoder is not safe for concurrent use. The read loop owns it.
type Decoder struct {
	residual string
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the residual and returns every completed frame in
// order, delimiters stripped. It returns nil when chunk completes nothing.
func (d *Decoder) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	buf := d.residual + chunk

	var frames []string
	for {
		idx := strings.IndexByte(buf, Delimiter)
		if idx < 0 {
			break
		}
		frames = append(frames, buf[:idx])
		buf = buf[idx+1:]
	}
	d.residual = buf
	return frames
}

// Residual returns the buffered, not yet terminated fragment.
func (d *Decoder) Residual() string {
	return d.residual
}
