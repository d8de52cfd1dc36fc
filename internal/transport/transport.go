// Package transport carries one message in each direction between a
// controller and its worker over dedicated OS pipes.
//
// A message is terminated by closing the write end; there is no length
// prefix. Receivers buffer the whole message and parse only after the peer
// has closed. This is safe because every channel carries exactly one message
// per process lifetime.
package transport

import (
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/parallelpark/internal/errors"
)

const (
	// RequestFD is the child's file descriptor for the inbound request.
	RequestFD = 3
	// ResponseFD is the child's file descriptor for the outbound response.
	ResponseFD = 4
)

// Channels holds both pipes for one delegated call.
type Channels struct {
	// Parent ends.
	RequestWriter  *os.File
	ResponseReader *os.File

	// Child ends, handed to the worker through exec.Cmd.ExtraFiles.
	requestReader  *os.File
	responseWriter *os.File
}

// Open creates the request and response pipes.
func Open() (*Channels, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return nil, fmt.Errorf("create response pipe: %w", err)
	}
	return &Channels{
		RequestWriter:  reqW,
		ResponseReader: respR,
		requestReader:  reqR,
		responseWriter: respW,
	}, nil
}

// ChildFiles returns the child's ends in ExtraFiles order, so they land on
// RequestFD and ResponseFD.
func (c *Channels) ChildFiles() []*os.File {
	return []*os.File{c.requestReader, c.responseWriter}
}

// ReleaseChildEnds closes the parent's copies of the child ends. Must be
// called once the child has been started, otherwise the response reader never
// observes end of stream.
func (c *Channels) ReleaseChildEnds() {
	closeFile(&c.requestReader)
	closeFile(&c.responseWriter)
}

// Close releases every descriptor that is still open.
func (c *Channels) Close() {
	c.ReleaseChildEnds()
	closeFile(&c.RequestWriter)
	closeFile(&c.ResponseReader)
}

func closeFile(f **os.File) {
	if *f != nil {
		_ = (*f).Close()
		*f = nil
	}
}

// Writer sends a single message and signals completion by closing.
type Writer struct {
	w     io.WriteCloser
	ended bool
}

// NewWriter wraps w.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.ended {
		return 0, fmt.Errorf("write after end of output")
	}
	return w.w.Write(p)
}

// EndOutput tells the peer the message is complete.
func (w *Writer) EndOutput() error {
	if w.ended {
		return nil
	}
	w.ended = true
	return w.w.Close()
}

// ReadUntilClosed accumulates everything r yields until the peer closes its
// end and returns it as text.
func ReadUntilClosed(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return string(data), fmt.Errorf("read until closed: %w", err)
	}
	return string(data), nil
}

// ChildRequest opens the worker's inbound channel.
func ChildRequest() (*os.File, error) {
	return childFile(RequestFD, "parallelpark-request")
}

// ChildResponse opens the worker's outbound channel.
func ChildResponse() (*os.File, error) {
	return childFile(ResponseFD, "parallelpark-response")
}

func childFile(fd uintptr, name string) (*os.File, error) {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, errors.ErrChannelMissing)
	}
	if _, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("fd %d: %w", fd, errors.ErrChannelMissing)
	}
	return f, nil
}
