// Package serialio implements the printer serial line stream (spec
// §4.2, component C4): line-oriented reads with lenient UTF-8 decoding,
// and mutex-guarded exclusive writes so a pause command can never
// interleave mid-line with any other writer.
//
// The read/write split and the "exclusive write, separate from the
// read path" discipline mirrors WSConn in the teacher bridge
// (ws_client.go): there, a mutex guards Conn.WriteMessage so the ping
// loop and stroke writer never tear a frame; here the same mutex
// guards the printer's serial writer so a fault-triggered pause can
// never interleave with any other line.
package serialio

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tarm/serial"
)

// Port is the subset of *serial.Port the stream needs; an interface so
// tests can substitute an in-memory io.ReadWriteCloser instead of
// opening a real device.
type Port interface {
	io.ReadWriteCloser
}

// Open opens the printer serial device at the given path and baud rate,
// grounded on seedhammer's mjolnir.Open (serial.OpenPort with a
// serial.Config{Name, Baud}).
func Open(path string, baud int) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", path, err)
	}
	return p, nil
}

// Stream wraps a Port with line-oriented reads and exclusive writes.
type Stream struct {
	port Port

	writeMu sync.Mutex

	reader *bufio.Reader
}

// New wraps an already-open Port.
func New(port Port) *Stream {
	return &Stream{
		port:   port,
		reader: bufio.NewReader(port),
	}
}

// ReadLine blocks for the next line, stripped of its terminator, with
// invalid UTF-8 bytes replaced (the Go equivalent of Python's
// line.decode("utf-8", errors="replace")). It returns io.EOF or the
// underlying error unchanged so the caller (the serial reader
// goroutine) can distinguish a clean shutdown-induced close from a
// genuine read failure.
func (s *Stream) ReadLine() (string, error) {
	raw, err := s.reader.ReadString('\n')
	if len(raw) == 0 && err != nil {
		return "", err
	}
	line := strings.TrimRight(raw, "\r\n")
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, "�")
	}
	return line, err
}

// WriteLine writes gcode plus a trailing newline, serialized against
// every other WriteLine call (spec §4.2: "Writes are exclusive").
func (s *Stream) WriteLine(gcode string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.port, gcode+"\n")
	return err
}

// Close closes the underlying port.
func (s *Stream) Close() error { return s.port.Close() }
