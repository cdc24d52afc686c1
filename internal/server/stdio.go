package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/router"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/tagfilter"
)

// stdioMaxLine bounds a single newline-delimited JSON-RPC message on stdin.
const stdioMaxLine = 10 << 20

// StdioServer binds exactly one session to a line-delimited JSON-RPC stream,
// used when the proxy itself runs as a subprocess. No auth, full tag
// universe; console logs go to stderr so stdout stays protocol-clean.
type StdioServer struct {
	sessions *session.Manager
	router   *router.Router
	logger   *zap.Logger

	in  io.Reader
	out io.Writer

	mu sync.Mutex
}

// NewStdioServer builds a stdio server over the given streams.
func NewStdioServer(sessions *session.Manager, rt *router.Router, in io.Reader, out io.Writer, logger *zap.Logger) *StdioServer {
	return &StdioServer{
		sessions: sessions,
		router:   rt,
		logger:   logger,
		in:       in,
		out:      out,
	}
}

func (s *StdioServer) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("stdout write failed: %w", err)
	}
	return nil
}

// Run reads requests until EOF or ctx cancellation. The session closes with
// the stream, cancelling any in-flight fan-outs.
func (s *StdioServer) Run(ctx context.Context) error {
	sess := s.sessions.Create(session.Options{
		Transport: session.TransportStdio,
		Filter:    tagfilter.MatchAll,
	})
	defer func() { _ = s.sessions.Close(sess.ID) }()

	sess.AttachSink(s.write)
	defer sess.DetachSink()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("stdin read failed: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			// Responses and requests share the outbound stream; Send keeps
			// their ordering.
			if response := s.router.Handle(ctx, sess, line); response != nil {
				if err := sess.Send(response); err != nil {
					s.logger.Error("Failed to write response", zap.Error(err))
				}
			}
		}
	}
}
