package serialio

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPort struct {
	mu  sync.Mutex
	buf bytes.Buffer
	r   *bytes.Reader
}

func newMemPort(readData string) *memPort {
	return &memPort{r: bytes.NewReader([]byte(readData))}
}

func (m *memPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *memPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memPort) Close() error { return nil }

func (m *memPort) written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func TestReadLineStripsTerminator(t *testing.T) {
	p := newMemPort("ok T:200\r\nfilmon:arm\n")
	s := New(p)

	line, err := s.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok T:200", line)

	line, err = s.ReadLine()
	assert.Equal(t, "filmon:arm", line)
	_ = err
}

func TestReadLineEOFOnEmpty(t *testing.T) {
	p := newMemPort("")
	s := New(p)
	_, err := s.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLineReplacesInvalidUTF8(t *testing.T) {
	p := newMemPort("abc\xffdef\n")
	s := New(p)
	line, err := s.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "abc")
	assert.Contains(t, line, "def")
	assert.True(t, len(line) > 0)
}

func TestWriteLineAppendsNewline(t *testing.T) {
	p := newMemPort("")
	s := New(p)
	require.NoError(t, s.WriteLine("M400"))
	require.NoError(t, s.WriteLine("M600"))
	assert.Equal(t, "M400\nM600\n", p.written())
}

func TestWriteLineSerializesConcurrentWriters(t *testing.T) {
	p := newMemPort("")
	s := New(p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WriteLine("M114")
		}()
	}
	wg.Wait()

	out := p.written()
	// Every write is a complete "M114\n" token; no torn/interleaved
	// writes should ever appear.
	assert.Equal(t, 50*len("M114\n"), len(out))
}
