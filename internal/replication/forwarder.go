package replication

import (
	"log/slog"

	"github.com/chenfan33/cloud-project/internal/transport"
)

// Forwarder sends an accepted mutation to every configured secondary,
// synchronously and in order, before the primary's dispatch loop moves
// on to the next queued connection. This mirrors the single-threaded
// "don't start the next command until this one, including forwarding,
// is fully resolved" model the engine requires; it deliberately does
// not batch or fan the sends out onto background goroutines the way a
// throughput-oriented forwarder would, since the spec calls for a
// forwarding failure to be visible to the caller without blocking
// other connections indefinitely.
type Forwarder struct {
	conns  *PeerConns
	logger *slog.Logger
}

// NewForwarder builds a Forwarder using the given connection pool.
// logger may be nil.
func NewForwarder(conns *PeerConns, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{conns: conns, logger: logger}
}

// Forward sends cmd to every address in secondaries. A send failure to
// one secondary does not stop delivery to the rest, and does not fail
// the caller's local operation: forwarding is best-effort, since a
// secondary that misses a live update will catch up on its next SYNC.
// Forward returns the set of addresses that could not be reached.
func (f *Forwarder) Forward(cmd transport.Command, secondaries []string) (failed []string) {
	payload := transport.EncodeCommand(cmd)
	for _, addr := range secondaries {
		if err := f.send(addr, payload); err != nil {
			f.logger.Warn("forward to secondary failed", "addr", addr, "err", err)
			f.conns.Invalidate(addr)
			failed = append(failed, addr)
		}
	}
	return failed
}

func (f *Forwarder) send(addr string, payload []byte) error {
	conn, err := f.conns.Conn(addr)
	if err != nil {
		return err
	}
	if err := transport.WriteMessage(conn, payload); err != nil {
		return err
	}
	// Drain the secondary's reply so the connection stays usable for the
	// next forwarded command; the reply is discarded unread and its
	// status does not affect the primary's own result.
	if _, err := transport.ReadMessage(conn); err != nil {
		return err
	}
	return nil
}
