package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
)

// MaxLineSize bounds a single message line.
const MaxLineSize = 1 << 20

const writeTimeout = 10 * time.Second

// Reply is the agent's answer to a message.
type Reply struct {
	Body    string
	Pending bool
	Failed  bool
}

// Backend is the daemon state the server routes into.
type Backend interface {
	// Message runs one agent turn for from. It may take a long time.
	Message(ctx context.Context, from, body string) Reply
	// Poll drains up to max queued notifications.
	Poll(max int) []notify.Item
	// Reset clears the sender's conversation.
	Reset(from string)
	Status() Status
}

// ServerOptions configure a Server.
type ServerOptions struct {
	Path      string
	PollBatch int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Server accepts connections on a unix socket. Each connection may carry
// any number of messages; replies are written in completion order.
type Server struct {
	opts    ServerOptions
	backend Backend
	logger  *slog.Logger

	ready chan struct{}
	conns sync.WaitGroup
}

// NewServer creates a server for backend.
func NewServer(opts ServerOptions, backend Backend) *Server {
	if opts.PollBatch <= 0 {
		opts.PollBatch = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		backend: backend,
		logger:  opts.Logger.With("component", "ipc"),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens until ctx is cancelled, then closes every connection and
// waits for in-flight handlers. A stale socket file is replaced; the
// socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	path := s.opts.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(path)
	}()
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", path)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.conns.Wait()
	s.logger.Info("socket server stopped")
	return nil
}

// connWriter serializes writes to one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = w.conn.Write(line)
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := &connWriter{conn: conn}
	var handlers sync.WaitGroup
	defer handlers.Wait()

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, tooLong, err := readLine(r, MaxLineSize)
		switch {
		case tooLong:
			s.logger.Warn("skipping oversized message", "max", MaxLineSize)
			s.send(w, Message{Type: TypeResponse, Body: "Error: message too large", Error: true})
		case len(line) > 0:
			s.dispatch(ctx, w, line, &handlers)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("connection read failed", "error", err)
			}
			return
		}
	}
}

// dispatch decodes one line and answers it. Messages run on their own
// goroutine so a slow turn never holds up actions on the same connection.
func (s *Server) dispatch(ctx context.Context, w *connWriter, line []byte, handlers *sync.WaitGroup) {
	m, err := Decode(line)
	if err != nil {
		s.logger.Warn("skipping undecodable message", "error", err, "len", len(line))
		s.send(w, Message{Type: TypeResponse, Body: "Error: " + ErrMalformed.Error(), Error: true})
		return
	}

	switch m.Type {
	case TypeMessage:
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleMessage(ctx, w, m)
		}()
	case TypeAction:
		s.send(w, s.handleAction(m))
	default:
		s.logger.Debug("ignoring unexpected message type", "type", m.Type)
	}
}

// readLine returns the next line without its terminator. A line longer
// than max is consumed through its newline and reported as tooLong, so
// the stream stays aligned on the following message.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			n := len(line) + len(bytes.TrimRight(frag, "\n"))
			if n > max {
				tooLong, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, true, nil
			}
			return bytes.TrimRight(line, "\r\n"), false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong:
			return nil, true, err
		case len(line) > 0 && errors.Is(err, io.EOF):
			return bytes.TrimRight(line, "\r"), false, nil
		default:
			return nil, false, err
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, w *connWriter, m Message) {
	from := m.From
	if from == "" {
		from = "local"
	}
	resp := Message{Type: TypeResponse, To: from}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", "from", from, "panic", r, "stack", string(debug.Stack()))
			resp.Body = "Error: internal error"
			resp.Error = true
			s.send(w, resp)
		}
	}()

	s.logger.Debug("message received", "from", from, "len", len(m.Body))
	reply := s.backend.Message(ctx, from, m.Body)
	resp.Body = reply.Body
	resp.Pending = reply.Pending
	resp.Error = reply.Failed
	s.send(w, resp)
}

func (s *Server) handleAction(m Message) Message {
	resp := Message{Type: TypeResponse, To: m.From, Action: m.Action}
	switch m.Action {
	case ActionPing:
		resp.Body = "pong"
	case ActionPoll:
		resp.Notifications = s.backend.Poll(s.opts.PollBatch)
	case ActionReset:
		s.backend.Reset(m.From)
		resp.Body = "ok"
	case ActionStatus:
		st := s.backend.Status()
		resp.Status = &st
	default:
		resp.Body = fmt.Sprintf("Error: unknown action %q", m.Action)
		resp.Error = true
	}
	return resp
}

func (s *Server) send(w *connWriter, m Message) {
	m.Timestamp = s.opts.Clock.Now().UTC().Format(time.RFC3339)
	if err := w.write(m); err != nil {
		s.logger.Debug("write failed", "error", err)
	}
}
