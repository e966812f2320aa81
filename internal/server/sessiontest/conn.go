package sessiontest

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// MockConn implements net.Conn for testing. Reads block until data is
// added or the connection is closed.
type MockConn struct {
	mu          sync.Mutex
	cond        *sync.Cond
	readBuffer  []byte
	writeBuffer []byte
	closed      bool
	encrypted   bool
}

func NewMockConn() *MockConn {
	m := &MockConn{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewMockTLSConn returns a connection that reports itself as encrypted.
func NewMockTLSConn() *MockConn {
	m := NewMockConn()
	m.encrypted = true
	return m
}

func (m *MockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.readBuffer) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.readBuffer) == 0 {
		return 0, io.EOF
	}
	n := copy(b, m.readBuffer)
	m.readBuffer = m.readBuffer[n:]
	return n, nil
}

func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	m.writeBuffer = append(m.writeBuffer, b...)
	m.cond.Broadcast()
	return len(b), nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

func (m *MockConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 143} }
func (m *MockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }
func (m *MockConn) SetDeadline(t time.Time) error      { return nil }
func (m *MockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *MockConn) SetWriteDeadline(t time.Time) error { return nil }

// IsTLS reports whether the connection was created with NewMockTLSConn.
func (m *MockConn) IsTLS() bool { return m.encrypted }

func (m *MockConn) GetWrittenData() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.writeBuffer)
}

// Lines returns the written data split into CRLF terminated lines.
func (m *MockConn) Lines() []string {
	data := strings.TrimSuffix(m.GetWrittenData(), "\r\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\r\n")
}

func (m *MockConn) ClearWriteBuffer() {
	m.mu.Lock()
	m.writeBuffer = m.writeBuffer[:0]
	m.mu.Unlock()
}

func (m *MockConn) AddReadData(data string) {
	m.mu.Lock()
	m.readBuffer = append(m.readBuffer, data...)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// WaitFor blocks until the written data contains substr or the timeout
// passes, and reports whether it was seen.
func (m *MockConn) WaitFor(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if strings.Contains(m.GetWrittenData(), substr) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
