package transport

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamMux is the optional out-of-band stream multiplexer a
// RemoteBroker proffered entry attaches alongside its primary RPC
// connection: some remote services negotiate a side channel (large
// payload transfer, a second duplex stream) identified by the
// mux-channel-id a ServiceChannelInfo carries.
type StreamMux struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	dialer  *websocket.Dialer
	dialURL string
}

// NewStreamMux builds a multiplexer that lazily dials dialURL (a
// ws:// or wss:// endpoint the remote broker advertises) on first
// channel open.
func NewStreamMux(dialURL string) *StreamMux {
	return &StreamMux{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}, dialURL: dialURL}
}

func (m *StreamMux) ensureConn() (*websocket.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	u, err := url.Parse(m.dialURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse stream mux url %q: %w", m.dialURL, err)
	}
	conn, _, err := m.dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial stream mux %s: %w", m.dialURL, err)
	}
	m.conn = conn
	return conn, nil
}

// OpenChannel opens a logical sub-stream identified by channelID,
// returning it as a net.Conn so callers (the outer half of a RemoteBroker
// GetPipe) don't need to know it's actually a websocket frame stream.
func (m *StreamMux) OpenChannel(channelID string) (net.Conn, error) {
	conn, err := m.ensureConn()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("open:"+channelID)); err != nil {
		return nil, fmt.Errorf("transport: open mux channel %s: %w", channelID, err)
	}
	return &muxChannelConn{mux: m, channelID: channelID}, nil
}

// Close tears down the underlying websocket connection.
func (m *StreamMux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// muxChannelConn adapts one logical channel of a StreamMux to net.Conn.
// Only the open and close frames name the channel: data frames carry no
// channel id, and Read returns the next frame on the shared websocket
// connection whichever channel it belongs to, so channels opened
// concurrently on one StreamMux are not kept apart. Deadlines are not
// supported by the underlying websocket frame stream and are reported
// as unsupported rather than silently ignored.
type muxChannelConn struct {
	mux       *StreamMux
	channelID string
}

func (c *muxChannelConn) Read(b []byte) (int, error) {
	_, data, err := c.mux.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	return n, nil
}

func (c *muxChannelConn) Write(b []byte) (int, error) {
	if err := c.mux.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *muxChannelConn) Close() error {
	return c.mux.conn.WriteMessage(websocket.TextMessage, []byte("close:"+c.channelID))
}

func (c *muxChannelConn) LocalAddr() net.Addr  { return muxAddr(c.channelID) }
func (c *muxChannelConn) RemoteAddr() net.Addr { return muxAddr(c.channelID) }

func (c *muxChannelConn) SetDeadline(t time.Time) error      { return fmt.Errorf("transport: mux channel does not support deadlines") }
func (c *muxChannelConn) SetReadDeadline(t time.Time) error   { return fmt.Errorf("transport: mux channel does not support deadlines") }
func (c *muxChannelConn) SetWriteDeadline(t time.Time) error  { return fmt.Errorf("transport: mux channel does not support deadlines") }

type muxAddr string

func (a muxAddr) Network() string { return "wsmux" }
func (a muxAddr) String() string  { return string(a) }
