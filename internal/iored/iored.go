// Package iored implements the I/O redirection transport: it forwards the
// debuggee's standard output and standard error streams to the client
// independently of the command channel.
//
// Two shapes are provided. The inline sink wraps each chunk as an output
// event and hands it to the active protocol, sharing the command channel's
// framing. The listener server binds a TCP port and pushes tagged frames to
// a connected client as they arrive.
//
// In both shapes forwarding never blocks the debuggee: a slow or absent
// consumer sees bytes dropped beyond a bounded buffer, with a best-effort
// truncation marker, rather than the debuggee seeing backpressure.
package iored

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// Sink consumes debuggee output chunks. WriteStream must be safe for
// concurrent use and must never block the caller.
type Sink interface {
	WriteStream(cat types.OutputCategory, p []byte)
	Close() error
}

// Emitter is the protocol-side surface the inline sink hands events to.
type Emitter interface {
	EmitEvent(ev types.Event) error
}

// InlineSink forwards output chunks as output events on the command channel.
type InlineSink struct {
	emitter Emitter
}

// NewInlineSink creates a sink that emits output events through e.
func NewInlineSink(e Emitter) *InlineSink {
	return &InlineSink{emitter: e}
}

// WriteStream wraps one chunk as an output event. Emit failures are logged
// and swallowed: losing output must not disturb the debuggee.
func (s *InlineSink) WriteStream(cat types.OutputCategory, p []byte) {
	ev := types.Event{
		Kind:    types.EventOutput,
		Payload: types.OutputPayload{Category: cat, Output: string(p)},
	}
	if err := s.emitter.EmitEvent(ev); err != nil {
		logrus.WithError(err).Debug("inline output emit failed")
	}
}

// Close implements Sink.
func (s *InlineSink) Close() error { return nil }

// Frame tags used by the listener wire format.
const (
	frameStdout byte = '1'
	frameStderr byte = '2'
)

// truncationMarker is injected when buffered output had to be dropped.
const truncationMarker = "\n<output truncated>\n"

// maxPending bounds the number of chunks buffered for a slow client.
const maxPending = 256

type chunk struct {
	cat  types.OutputCategory
	data []byte
}

// Server is the listener-mode redirection transport. It accepts one client
// connection per debuggee run and streams tagged output frames to it.
type Server struct {
	ln  net.Listener
	out chan chunk

	mu      sync.Mutex
	conn    net.Conn
	dropped map[types.OutputCategory]bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

// NewServer binds the given TCP port and starts accepting. On bind failure
// the caller is expected to degrade to the inline sink.
func NewServer(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.TransportBind(port, err)
	}

	s := &Server{
		ln:      ln,
		out:     make(chan chunk, maxPending),
		dropped: make(map[types.OutputCategory]bool),
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "iored"),
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.pump()
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Debug("accept failed")
			continue
		}

		id := uuid.NewString()
		s.log.WithField("conn", id).Info("output client connected")

		s.mu.Lock()
		if s.conn != nil {
			// One client per run; a newcomer replaces a dead predecessor.
			_ = s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()
	}
}

func (s *Server) pump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case c := <-s.out:
			s.deliver(c)
		}
	}
}

func (s *Server) deliver(c chunk) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// No consumer yet; the chunk is gone. WriteStream already bounded it.
		return
	}
	if err := writeFrame(conn, c.cat, c.data); err != nil {
		s.log.WithError(err).Debug("output client write failed")
		s.mu.Lock()
		if s.conn == conn {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
}

// WriteStream enqueues one chunk for delivery. It never blocks: when the
// buffer is full the chunk is dropped and a truncation marker is injected
// once space frees up.
func (s *Server) WriteStream(cat types.OutputCategory, p []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasDropped := s.dropped[cat]
	s.mu.Unlock()

	if wasDropped {
		select {
		case s.out <- chunk{cat: cat, data: []byte(truncationMarker)}:
			s.mu.Lock()
			s.dropped[cat] = false
			s.mu.Unlock()
		default:
			// Still full; the marker waits for the next write.
		}
	}

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case s.out <- chunk{cat: cat, data: data}:
	default:
		s.mu.Lock()
		s.dropped[cat] = true
		s.mu.Unlock()
	}
}

// Close tears the transport down: the listener stops accepting and the
// client connection, if any, is closed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	err := s.ln.Close()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	return err
}

// writeFrame writes one tagged frame: a one-byte stream tag, a big-endian
// uint32 payload length, then the payload.
func writeFrame(w io.Writer, cat types.OutputCategory, p []byte) error {
	tag := frameStdout
	if cat == types.OutputStderr {
		tag = frameStderr
	}
	hdr := make([]byte, 5)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(p)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// ReadFrame reads one tagged frame as written by the listener server. It is
// the client-side counterpart of the wire format.
func ReadFrame(r io.Reader) (types.OutputCategory, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return "", nil, err
	}
	cat := types.OutputStdout
	if hdr[0] == frameStderr {
		cat = types.OutputStderr
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return "", nil, err
	}
	return cat, p, nil
}
