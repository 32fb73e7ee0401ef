package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StdIO is a transport exchanging newline-delimited JSON-RPC messages over an io.Reader and an
// io.Writer, usually the process's stdin and stdout. It carries exactly one session and can be
// used as either a ServerTransport or a ClientTransport.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mu      sync.Mutex
	sess    *lineSession
	started bool
	closed  chan struct{}
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

// lineSession frames messages as single JSON lines. It backs both the stdio and the stream
// transports.
type lineSession struct {
	id     string
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	writeMessages chan lineMessage
	done          chan struct{}
	stopOnce      sync.Once
	writeClosed   chan struct{}
}

type lineMessage struct {
	msg  []byte
	errs chan error
}

// WithStdIOLogger sets the logger for the transport and its session.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a transport reading from reader and writing to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sessions yields the single session and returns once it is stopped.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		sess, err := s.session()
		if err != nil {
			s.logger.Error("failed to start stdio session", slog.String("err", err.Error()))
			return
		}
		if !yield(sess) {
			return
		}
		<-sess.done
	}
}

// Shutdown waits for the Sessions iteration to end.
func (s *StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession returns the single session. The underlying streams cannot be reopened, so once
// the session is stopped further calls fail with a non-retryable error.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	return s.session()
}

func (s *StdIO) session() (*lineSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		select {
		case <-s.sess.done:
			return nil, &TransportError{Op: "connect", Err: ErrSessionClosed}
		default:
			return s.sess, nil
		}
	}
	s.started = true
	s.sess = newLineSession(s.reader, s.writer, stdioCloser{s.reader, s.writer}, s.logger)
	return s.sess, nil
}

// stdioCloser closes whichever of the streams can be closed, which unblocks a pending read or
// write when the session stops.
type stdioCloser struct {
	reader io.Reader
	writer io.Writer
}

func (c stdioCloser) Close() error {
	var errs []error
	if rc, ok := c.reader.(io.Closer); ok {
		errs = append(errs, rc.Close())
	}
	if wc, ok := c.writer.(io.Closer); ok {
		errs = append(errs, wc.Close())
	}
	return errors.Join(errs...)
}

func newLineSession(reader io.Reader, writer io.Writer, closer io.Closer, logger *slog.Logger) *lineSession {
	s := &lineSession{
		id:            uuid.New().String(),
		reader:        bufio.NewReader(reader),
		writer:        writer,
		closer:        closer,
		logger:        logger.With(slog.String("session", "line")),
		writeMessages: make(chan lineMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go s.processWriteMessages()
	return s
}

func (s *lineSession) ID() string {
	return s.id
}

func (s *lineSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	lMsg := lineMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// A single writer goroutine keeps lines from interleaving.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- lMsg:
	}

	select {
	case err := <-lMsg.errs:
		if err != nil {
			return &TransportError{Op: "write", Err: err, Retryable: true}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *lineSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		lines := make(chan []byte)
		go s.readLines(lines)

		for {
			var line []byte
			var ok bool
			select {
			case <-s.done:
				return
			case line, ok = <-lines:
			}
			if !ok {
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *lineSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				s.logger.Warn("failed to close connection", slog.String("err", err.Error()))
			}
		}
		<-s.writeClosed
	})
}

// readLines reads until the reader fails. bufio.Reader is used instead of bufio.Scanner so long
// lines are not rejected.
func (s *lineSession) readLines(lines chan<- []byte) {
	defer close(lines)

	for {
		line, err := s.reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case lines <- line:
			case <-s.done:
				return
			}
		}
		if err == nil {
			continue
		}
		select {
		case <-s.done:
		default:
			if !errors.Is(err, io.EOF) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
		}
		return
	}
}

func (s *lineSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg lineMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
	}
}
