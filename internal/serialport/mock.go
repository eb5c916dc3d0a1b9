package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with configurable behaviour
// for testing.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// TimeoutError is returned by SetReadTimeout if set
	TimeoutError error

	// CloseError is returned by Close if set
	CloseError error

	// MaxChunk limits how many bytes a single Read returns; zero means no limit
	MaxChunk int

	Closed      bool
	ReadCalls   int
	ReadTimeout time.Duration
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{ReadBuffer: bytes.NewBuffer(nil)}
}

// Read drains the read buffer. An empty buffer returns zero bytes and no
// error, the way a real port reports a timeout.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	if t.MaxChunk > 0 && len(p) > t.MaxChunk {
		p = p[:t.MaxChunk]
	}
	return t.ReadBuffer.Read(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TimeoutError != nil {
		return t.TimeoutError
	}
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// MockOpener hands out a fresh TestableSerialPort per Open, or Error if set.
type MockOpener struct {
	mu sync.Mutex

	// Data is loaded into every port the opener returns
	Data []byte

	// Error is returned by Open if set
	Error error

	Ports []*TestableSerialPort
	Calls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// Open records the call and returns a port preloaded with Data.
func (m *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockOpenCall{Path: path, Opts: opts})
	if m.Error != nil {
		return nil, m.Error
	}
	port := NewTestableSerialPort()
	port.AddReadData(m.Data)
	m.Ports = append(m.Ports, port)
	return port, nil
}

// LastPort returns the most recently opened port, or nil.
func (m *MockOpener) LastPort() *TestableSerialPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Ports) == 0 {
		return nil
	}
	return m.Ports[len(m.Ports)-1]
}
