package distbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn backed by channels, with a scripted bus on
// the far side.
type fakeConn struct {
	in  chan Frame // frames the session will read
	out chan Frame // frames the session wrote

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame, 256),
		out:    make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, ErrClosed
	}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// runBus acks registrations, answers pings, echoes every publish back to the
// most recent subscription, serves queries with a single reply, and forwards any
// unhandled frame to sink when one is given.
func runBus(c *fakeConn, sink chan Frame) {
	var subID uint32
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.out:
			switch f.Op {
			case OpOpen, OpQrbl:
				c.in <- Frame{Op: OpAck, ID: f.ID}
			case OpSub:
				subID = f.ID
				c.in <- Frame{Op: OpAck, ID: f.ID}
			case OpPing:
				c.in <- Frame{Op: OpPong}
			case OpPub:
				if subID != 0 {
					c.in <- Frame{Op: OpPub, ID: subID, Key: f.Key, Body: f.Body}
				}
			case OpQry:
				c.in <- Frame{Op: OpReply, ID: f.ID, Body: append([]byte("re:"), f.Body...)}
				c.in <- Frame{Op: OpEnd, ID: f.ID}
			default:
				if sink != nil {
					sink <- f
				}
			}
		}
	}
}

func newTestSession(t *testing.T, sink chan Frame) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	go runBus(conn, sink)
	s := newSession(conn)
	t.Cleanup(func() { s.Close() })
	return s, conn
}

func TestSessionSubscribeAndDeliver(t *testing.T) {
	s, _ := newTestSession(t, nil)

	got := make(chan string, 1)
	id, err := s.Subscribe("bench/**", func(key string, body []byte) {
		got <- key + ":" + string(body)
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, s.Publish("bench/a", []byte("x")))
	select {
	case v := <-got:
		assert.Equal(t, "bench/a:x", v)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	require.NoError(t, s.Unsubscribe(id))
}

func TestSessionQuery(t *testing.T) {
	s, _ := newTestSession(t, nil)
	reply, err := s.Query("svc/q", []byte("ask"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("re:ask"), reply)
}

func TestSessionQueryTimeout(t *testing.T) {
	conn := newFakeConn()
	// A bus that swallows everything: drain writes so sends succeed but never
	// answer.
	go func() {
		for {
			select {
			case <-conn.closed:
				return
			case <-conn.out:
			}
		}
	}()
	s := newSession(conn)
	defer s.Close()

	_, err := s.Query("svc/q", nil, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestSessionPing(t *testing.T) {
	s, _ := newTestSession(t, nil)
	require.NoError(t, s.Ping(time.Second))
}

func TestSessionServesInboundQueries(t *testing.T) {
	sink := make(chan Frame, 16)
	s, conn := newTestSession(t, sink)

	_, err := s.DeclareQueryable("svc", func(key string, body []byte, reply func([]byte) error, end func() error) {
		require.NoError(t, reply([]byte("served:"+key)))
		require.NoError(t, end())
	})
	require.NoError(t, err)

	conn.in <- Frame{Op: OpQry, ID: 999, Key: "svc/thing", Body: []byte("q")}

	var frames []Frame
	deadline := time.After(time.Second)
	for len(frames) < 2 {
		select {
		case f := <-sink:
			if f.Op == OpReply || f.Op == OpEnd {
				frames = append(frames, f)
			}
		case <-deadline:
			t.Fatal("queryable never replied")
		}
	}
	assert.Equal(t, OpReply, frames[0].Op)
	assert.Equal(t, uint32(999), frames[0].ID)
	assert.Equal(t, []byte("served:svc/thing"), frames[0].Body)
	assert.Equal(t, OpEnd, frames[1].Op)
}

func TestSessionUnservedQueryEndsStream(t *testing.T) {
	sink := make(chan Frame, 16)
	s, conn := newTestSession(t, sink)
	_ = s

	conn.in <- Frame{Op: OpQry, ID: 1234, Key: "unserved/key"}
	select {
	case f := <-sink:
		assert.Equal(t, OpEnd, f.Op)
		assert.Equal(t, uint32(1234), f.ID)
	case <-time.After(time.Second):
		t.Fatal("no END for unserved query")
	}
}

func TestSessionOperationsFailAfterClose(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Close()
	assert.Error(t, s.Publish("k", nil))
	_, err := s.Query("k", nil, 10*time.Millisecond)
	assert.Error(t, err)
}
