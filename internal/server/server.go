// Package server implements the engine's network front end: an
// acceptor goroutine that queues incoming connections, and a single
// dispatch loop that drains the queue and processes one command to
// completion (including synchronous forwarding to secondaries) before
// moving on to the next. This mirrors the reference engine's
// accept-then-epoll-dispatch split, but replaces the epoll readiness
// loop with a buffered Go channel, since a single dispatch goroutine
// gives the same one-command-at-a-time guarantee without needing
// readiness notification.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/chenfan33/cloud-project/internal/engine"
	"github.com/chenfan33/cloud-project/internal/kv"
	"github.com/chenfan33/cloud-project/internal/kverr"
	"github.com/chenfan33/cloud-project/internal/transport"
)

// Server accepts connections and dispatches commands against an Engine.
type Server struct {
	addr   string
	eng    *engine.Engine
	logger *slog.Logger

	listener net.Listener
	queue    chan net.Conn
}

// New constructs a Server bound to addr, serving requests against eng.
// logger may be nil.
func New(addr string, eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:   addr,
		eng:    eng,
		logger: logger,
		queue:  make(chan net.Conn, 256),
	}
}

// Run listens on the server's address and serves until ctx is
// canceled or an unrecoverable error occurs. The acceptor and dispatch
// loop run as a supervised pair: if either exits, the other is
// canceled too.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("server listening", "addr", s.addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.accept(gctx) })
	g.Go(func() error { return s.dispatch(gctx) })

	go func() {
		<-gctx.Done()
		ln.Close()
	}()

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// accept loop: blocks on Accept and pushes ready connections onto the
// dispatch queue, mirroring getting_request's push-to-shared-queue
// pattern (a Go channel here, a mutex-guarded std::queue there).
func (s *Server) accept(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		select {
		case s.queue <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// dispatch loop: pops one connection at a time and processes commands
// from it to completion before returning to the queue, so no two
// commands (including their forwarding side effects) ever run
// concurrently.
func (s *Server) dispatch(ctx context.Context) error {
	for {
		select {
		case conn := <-s.queue:
			s.handleConn(conn)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := transport.ReadMessage(conn)
		if err != nil {
			return
		}
		cmd, err := transport.DecodeCommand(payload)
		if err != nil {
			s.logger.Warn("bad command frame", "err", err)
			return
		}

		reply := s.dispatchCommand(conn, cmd)

		if cmd.Com == transport.ComSync {
			// SYNC hands the raw connection off to the replication
			// protocol; no Reply framing follows.
			return
		}
		if err := transport.WriteMessage(conn, transport.EncodeReply(reply)); err != nil {
			return
		}
	}
}

func (s *Server) dispatchCommand(conn net.Conn, cmd transport.Command) transport.Reply {
	switch cmd.Com {
	case transport.ComPuts:
		return s.handlePuts(cmd)
	case transport.ComCPut:
		return s.handleCPut(cmd)
	case transport.ComGets:
		return s.handleGets(cmd)
	case transport.ComDele:
		return s.handleDele(cmd)
	case transport.ComAll:
		return s.handleAll(cmd)
	case transport.ComCkpt:
		return s.handleCkpt()
	case transport.ComSync:
		return s.handleSync(conn)
	case transport.ComCluster:
		return s.handleCluster(cmd)
	case transport.ComKill:
		return s.handleKill()
	case transport.ComRestart:
		return s.handleRestart()
	default:
		return transport.Reply{Status: kverr.KindLink.Status()}
	}
}

func (s *Server) forwardIfPrimary(cmd transport.Command) {
	if s.eng.Role() != engine.RolePrimary {
		return
	}
	secondaries := s.eng.Secondaries()
	if len(secondaries) == 0 {
		return
	}
	if failed := s.eng.Forwarder().Forward(cmd, secondaries); len(failed) > 0 {
		s.logger.Warn("forwarding failed for some secondaries", "failed", failed)
	}
}

func (s *Server) handlePuts(cmd transport.Command) transport.Reply {
	err := s.eng.Put(cmd.User, cmd.Key, cmd.Value1, cmd.SequenceID)
	if err == nil {
		s.forwardIfPrimary(cmd)
	}
	return transport.Reply{Status: kverr.StatusFor(err)}
}

func (s *Server) handleCPut(cmd transport.Command) transport.Reply {
	err := s.eng.CPut(cmd.User, cmd.Key, cmd.Value1, cmd.Value2, cmd.SequenceID)
	if err == nil {
		s.forwardIfPrimary(cmd)
	}
	return transport.Reply{Status: kverr.StatusFor(err)}
}

func (s *Server) handleDele(cmd transport.Command) transport.Reply {
	err := s.eng.Delete(cmd.User, cmd.Key, cmd.SequenceID)
	if err == nil {
		s.forwardIfPrimary(cmd)
	}
	return transport.Reply{Status: kverr.StatusFor(err)}
}

func (s *Server) handleGets(cmd transport.Command) transport.Reply {
	value, err := s.eng.Get(cmd.User, cmd.Key)
	return transport.Reply{Status: kverr.StatusFor(err), Value: value}
}

func (s *Server) handleAll(cmd transport.Command) transport.Reply {
	if cmd.User == "" {
		return transport.Reply{Status: kverr.KindUser.Status()}
	}
	all, err := s.eng.GetAll(cmd.User)
	if err != nil {
		return transport.Reply{Status: kverr.StatusFor(err)}
	}
	reply := transport.Reply{Status: 0}
	for k, v := range all {
		reply.Pairs = append(reply.Pairs, kv.Pair{Key: k, Value: v})
	}
	return reply
}

func (s *Server) handleCkpt() transport.Reply {
	err := s.eng.Checkpoint()
	return transport.Reply{Status: kverr.StatusFor(err)}
}

func (s *Server) handleSync(conn net.Conn) transport.Reply {
	if err := s.eng.SyncSecondary(context.Background(), conn); err != nil {
		s.logger.Warn("sync with secondary failed", "err", err)
		return transport.Reply{Status: kverr.KindSync.Status()}
	}
	return transport.Reply{Status: 0}
}

func (s *Server) handleCluster(cmd transport.Command) transport.Reply {
	s.eng.SetSecondaries(cmd.Addrs)
	return transport.Reply{Status: 0}
}

func (s *Server) handleKill() transport.Reply {
	s.eng.Kill()
	return transport.Reply{Status: 0}
}

func (s *Server) handleRestart() transport.Reply {
	err := s.eng.Restart(context.Background())
	return transport.Reply{Status: kverr.StatusFor(err)}
}
