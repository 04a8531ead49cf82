package distbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned for operations on a closed or broken session.
var ErrClosed = errors.New("distbus session closed")

// ackTimeout bounds how long registration operations wait for the bus.
const ackTimeout = 5 * time.Second

// SubHandler receives one delivered sample.
type SubHandler func(key string, body []byte)

// QueryFn serves one inbound query stream. reply sends one reply frame; end
// closes the stream.
type QueryFn func(key string, body []byte, reply func([]byte) error, end func() error)

// Session is one open bus connection. A writer goroutine owns the outbound
// side; every send travels through it with a per-frame error channel, so
// callers observe write failures synchronously without sharing the socket.
type Session struct {
	conn Conn

	out    chan outFrame
	nextID atomic.Uint32

	mu         sync.RWMutex
	subs       map[uint32]SubHandler
	queryables map[uint32]queryable
	streams    map[uint32]chan Frame // live outbound query streams
	acks       map[uint32]chan struct{}
	pongs      chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
	err       atomic.Value // error that broke the session, if any
}

type queryable struct {
	prefix  string
	handler QueryFn
}

type outFrame struct {
	frame Frame
	errCh chan error
}

// Open dials the locator and performs the session handshake. mode is sent in
// the OPEN frame (client or peer).
func Open(locator, mode string, timeout time.Duration) (*Session, error) {
	conn, err := Dial(locator, timeout)
	if err != nil {
		return nil, err
	}
	s := newSession(conn)

	id := s.nextID.Add(1)
	ackCh := s.expectAck(id)
	if err := s.send(Frame{Op: OpOpen, ID: id, Key: mode}); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.waitAck(ackCh); err != nil {
		s.Close()
		return nil, fmt.Errorf("session handshake: %w", err)
	}
	return s, nil
}

// newSession wraps conn and starts the reader and writer loops; the OPEN
// handshake is the caller's job.
func newSession(conn Conn) *Session {
	s := &Session{
		conn:       conn,
		out:        make(chan outFrame, 1024),
		subs:       make(map[uint32]SubHandler),
		queryables: make(map[uint32]queryable),
		streams:    make(map[uint32]chan Frame),
		acks:       make(map[uint32]chan struct{}),
		pongs:      make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
	go s.writer()
	go s.reader()
	return s
}

func (s *Session) writer() {
	for {
		select {
		case <-s.closedCh:
			return
		case of := <-s.out:
			err := s.conn.WriteFrame(of.frame)
			if of.errCh != nil {
				of.errCh <- err
			}
			if err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) reader() {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			s.fail(err)
			return
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f Frame) {
	switch f.Op {
	case OpAck:
		s.mu.Lock()
		ch, ok := s.acks[f.ID]
		delete(s.acks, f.ID)
		s.mu.Unlock()
		if ok {
			close(ch)
		}
	case OpPub:
		s.mu.RLock()
		h, ok := s.subs[f.ID]
		s.mu.RUnlock()
		if ok {
			h(f.Key, f.Body)
		}
	case OpReply, OpEnd:
		s.mu.RLock()
		ch, ok := s.streams[f.ID]
		s.mu.RUnlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	case OpQry:
		s.serveQuery(f)
	case OpPong:
		select {
		case s.pongs <- struct{}{}:
		default:
		}
	case OpPing:
		s.send(Frame{Op: OpPong, ID: f.ID})
	case OpClose:
		s.fail(ErrClosed)
	}
}

// serveQuery hands an inbound query to the longest-prefix queryable.
func (s *Session) serveQuery(f Frame) {
	s.mu.RLock()
	var best *queryable
	for i := range s.queryables {
		q := s.queryables[i]
		if strings.HasPrefix(f.Key, q.prefix) && (best == nil || len(q.prefix) > len(best.prefix)) {
			best = &q
		}
	}
	s.mu.RUnlock()
	if best == nil {
		s.send(Frame{Op: OpEnd, ID: f.ID})
		return
	}
	streamID := f.ID
	reply := func(body []byte) error {
		return s.send(Frame{Op: OpReply, ID: streamID, Body: body})
	}
	end := func() error {
		return s.send(Frame{Op: OpEnd, ID: streamID})
	}
	go best.handler(f.Key, f.Body, reply, end)
}

// send queues one frame and waits for the socket write to complete.
func (s *Session) send(f Frame) error {
	if s.broken() != nil {
		return s.broken()
	}
	errCh := make(chan error, 1)
	select {
	case <-s.closedCh:
		return s.brokenOr(ErrClosed)
	case s.out <- outFrame{frame: f, errCh: errCh}:
	}
	select {
	case <-s.closedCh:
		return s.brokenOr(ErrClosed)
	case err := <-errCh:
		return err
	}
}

func (s *Session) expectAck(id uint32) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.acks[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) waitAck(ch chan struct{}) error {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-s.closedCh:
		return s.brokenOr(ErrClosed)
	case <-timer.C:
		return fmt.Errorf("bus did not acknowledge within %s", ackTimeout)
	}
}

// Publish sends one sample; the bus fans it out to matching subscribers.
func (s *Session) Publish(key string, body []byte) error {
	return s.send(Frame{Op: OpPub, Key: key, Body: body})
}

// Subscribe registers handler for expr and waits for the bus to acknowledge.
func (s *Session) Subscribe(expr string, handler SubHandler) (uint32, error) {
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.subs[id] = handler
	s.mu.Unlock()
	ackCh := s.expectAck(id)
	if err := s.send(Frame{Op: OpSub, ID: id, Key: expr}); err != nil {
		s.dropSub(id)
		return 0, err
	}
	if err := s.waitAck(ackCh); err != nil {
		s.dropSub(id)
		return 0, err
	}
	return id, nil
}

func (s *Session) dropSub(id uint32) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Unsubscribe releases a subscription.
func (s *Session) Unsubscribe(id uint32) error {
	s.dropSub(id)
	if s.broken() != nil {
		return nil // session already gone, registration died with it
	}
	return s.send(Frame{Op: OpUnsub, ID: id})
}

// Query sends one query and returns its first reply.
func (s *Session) Query(key string, body []byte, timeout time.Duration) ([]byte, error) {
	id := s.nextID.Add(1)
	ch := make(chan Frame, 16)
	s.mu.Lock()
	s.streams[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}()

	if err := s.send(Frame{Op: OpQry, ID: id, Key: key, Body: body}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.closedCh:
			return nil, s.brokenOr(ErrClosed)
		case <-timer.C:
			return nil, fmt.Errorf("query %q timed out after %s", key, timeout)
		case f := <-ch:
			if f.Op == OpEnd {
				return nil, fmt.Errorf("query %q ended without a reply", key)
			}
			return f.Body, nil
		}
	}
}

// DeclareQueryable registers handler for queries under prefix.
func (s *Session) DeclareQueryable(prefix string, handler QueryFn) (uint32, error) {
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.queryables[id] = queryable{prefix: prefix, handler: handler}
	s.mu.Unlock()
	ackCh := s.expectAck(id)
	if err := s.send(Frame{Op: OpQrbl, ID: id, Key: prefix}); err != nil {
		s.dropQueryable(id)
		return 0, err
	}
	if err := s.waitAck(ackCh); err != nil {
		s.dropQueryable(id)
		return 0, err
	}
	return id, nil
}

func (s *Session) dropQueryable(id uint32) {
	s.mu.Lock()
	delete(s.queryables, id)
	s.mu.Unlock()
}

// UndeclareQueryable releases a queryable registration.
func (s *Session) UndeclareQueryable(id uint32) error {
	s.dropQueryable(id)
	if s.broken() != nil {
		return nil
	}
	return s.send(Frame{Op: OpUnqbl, ID: id})
}

// Ping round-trips a keepalive frame.
func (s *Session) Ping(timeout time.Duration) error {
	// Drain any stale pong left by a previous timed-out probe.
	select {
	case <-s.pongs:
	default:
	}
	if err := s.send(Frame{Op: OpPing}); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.pongs:
		return nil
	case <-s.closedCh:
		return s.brokenOr(ErrClosed)
	case <-timer.C:
		return fmt.Errorf("ping timed out after %s", timeout)
	}
}

type errBox struct{ err error }

func (s *Session) fail(err error) {
	s.err.CompareAndSwap(nil, errBox{err: err})
	s.closeOnce.Do(func() {
		close(s.closedCh)
		s.conn.Close()
	})
}

func (s *Session) broken() error {
	if v := s.err.Load(); v != nil {
		return v.(errBox).err
	}
	select {
	case <-s.closedCh:
		return ErrClosed
	default:
		return nil
	}
}

func (s *Session) brokenOr(def error) error {
	if err := s.broken(); err != nil {
		return err
	}
	return def
}

// Close sends a best-effort CLOSE frame and tears the connection down.
func (s *Session) Close() error {
	select {
	case s.out <- outFrame{frame: Frame{Op: OpClose}}:
	default:
	}
	s.fail(ErrClosed)
	return nil
}
