package vm

import (
	"bufio"
	"io"
)

// Host performs the byte I/O of the readByte and writeByte primitives.
// ReadByte returns io.EOF at end of input.
type Host interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// StreamHost is a Host over an input and an output stream.
type StreamHost struct {
	in  *bufio.Reader
	out *bufio.Writer
}

func NewStreamHost(in io.Reader, out io.Writer) *StreamHost {
	return &StreamHost{in: bufio.NewReader(in), out: bufio.NewWriter(out)}
}

func (h *StreamHost) ReadByte() (byte, error) { return h.in.ReadByte() }
func (h *StreamHost) WriteByte(b byte) error  { return h.out.WriteByte(b) }

// Flush writes any buffered output.
func (h *StreamHost) Flush() error { return h.out.Flush() }
