package distbus

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn carries frames over one locator. Implementations are safe for one
// concurrent reader plus one concurrent writer, which is all the session
// uses.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dial opens the locator, which has the form <scheme>/<host>:<port> with
// scheme tcp or ws.
func Dial(locator string, timeout time.Duration) (Conn, error) {
	scheme, addr, found := strings.Cut(locator, "/")
	if !found || addr == "" {
		return nil, fmt.Errorf("locator %q is not <scheme>/<host>:<port>", locator)
	}
	switch scheme {
	case "tcp":
		return dialTCP(addr, timeout)
	case "ws":
		return dialWS(addr, timeout)
	default:
		return nil, fmt.Errorf("locator scheme %q not supported (want tcp or ws)", scheme)
	}
}

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
	w    *bufio.Writer
}

func dialTCP(addr string, timeout time.Duration) (Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64<<10),
		w:    bufio.NewWriterSize(conn, 64<<10),
	}, nil
}

func (c *tcpConn) ReadFrame() (Frame, error) { return ReadFrame(c.r) }

func (c *tcpConn) WriteFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteFrame(c.w, f); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *tcpConn) Close() error { return c.conn.Close() }

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func dialWS(addr string, timeout time.Duration) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return DecodeFrame(data)
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(f))
}

func (c *wsConn) Close() error { return c.conn.Close() }
