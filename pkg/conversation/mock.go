package conversation

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// MockFrame is a message written to or delivered through a MockTransport.
type MockFrame struct {
	Kind MessageKind
	Data []byte
}

type mockInbound struct {
	frame MockFrame
	err   error
}

// MockTransport is an in-memory Transport for testing.
type MockTransport struct {
	mu      sync.Mutex
	written []MockFrame
	notify  chan struct{}
	closed  bool

	inbound  chan mockInbound
	closedCh chan struct{}

	// WriteErr, when set, is returned from every WriteMessage.
	WriteErr error
}

// NewMockTransport creates an open MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		notify:   make(chan struct{}),
		inbound:  make(chan mockInbound, 64),
		closedCh: make(chan struct{}),
	}
}

// ReadMessage implements Transport.
func (m *MockTransport) ReadMessage() (MessageKind, []byte, error) {
	select {
	case in := <-m.inbound:
		if in.err != nil {
			return 0, nil, in.err
		}
		return in.frame.Kind, in.frame.Data, nil
	case <-m.closedCh:
		return 0, nil, NewTransportError("read failed", net.ErrClosed)
	}
}

// WriteMessage implements Transport.
func (m *MockTransport) WriteMessage(kind MessageKind, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrNotConnected
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}

	m.written = append(m.written, MockFrame{Kind: kind, Data: append([]byte(nil), data...)})
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Close implements Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// Deliver queues a text frame for the reader.
func (m *MockTransport) Deliver(text string) bool {
	return m.push(mockInbound{frame: MockFrame{Kind: TextMessage, Data: []byte(text)}})
}

// DeliverBinary queues a binary frame for the reader.
func (m *MockTransport) DeliverBinary(data []byte) bool {
	return m.push(mockInbound{frame: MockFrame{Kind: BinaryMessage, Data: data}})
}

// CloseRemote simulates a normal close by the agent.
func (m *MockTransport) CloseRemote() bool {
	return m.push(mockInbound{err: ErrConnectionClosed})
}

// Fail simulates a connection failure with err.
func (m *MockTransport) Fail(err error) bool {
	return m.push(mockInbound{err: NewTransportError("read failed", err)})
}

func (m *MockTransport) push(in mockInbound) bool {
	select {
	case <-m.closedCh:
		return false
	default:
	}
	select {
	case m.inbound <- in:
		return true
	case <-m.closedCh:
		return false
	}
}

// Written returns a copy of every frame written so far.
func (m *MockTransport) Written() []MockFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockFrame(nil), m.written...)
}

// WaitForWrites waits until at least n frames were written or the timeout
// passes, and returns what was written.
func (m *MockTransport) WaitForWrites(n int, timeout time.Duration) []MockFrame {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.written) >= n {
			out := append([]MockFrame(nil), m.written...)
			m.mu.Unlock()
			return out
		}
		ch := m.notify
		m.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return m.Written()
		}
	}
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Done is closed when the transport is closed.
func (m *MockTransport) Done() <-chan struct{} {
	return m.closedCh
}

// MockDial records one Dial call.
type MockDial struct {
	URL    string
	Header http.Header
}

// MockDialer is a Dialer handing out MockTransports.
type MockDialer struct {
	mu    sync.Mutex
	dials []MockDial

	transports chan *MockTransport

	// DialFunc, when set, replaces the default behavior.
	DialFunc func(ctx context.Context, rawURL string, header http.Header) (Transport, error)

	// Err, when set, is returned from every Dial.
	Err error
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{transports: make(chan *MockTransport, 16)}
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	d.mu.Lock()
	d.dials = append(d.dials, MockDial{URL: rawURL, Header: header.Clone()})
	fn, err := d.DialFunc, d.Err
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, rawURL, header)
	}
	if err != nil {
		return nil, err
	}

	t := NewMockTransport()
	select {
	case d.transports <- t:
	default:
	}
	return t, nil
}

// Dials returns every recorded Dial call.
func (d *MockDialer) Dials() []MockDial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockDial(nil), d.dials...)
}

// Next waits for the next transport handed out by Dial.
func (d *MockDialer) Next(timeout time.Duration) *MockTransport {
	select {
	case t := <-d.transports:
		return t
	case <-time.After(timeout):
		return nil
	}
}

var (
	_ Transport = (*MockTransport)(nil)
	_ Dialer    = (*MockDialer)(nil)
)
