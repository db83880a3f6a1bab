// Package engine implements the Engine facade: the single entry point
// that ties together the chunk store, write-ahead log, two-tier cache,
// sequence guard, and replication into one cooperative, single
// goroutine at a time API. Role (primary or secondary) is a plain
// struct field set by configuration, never negotiated by the engine
// itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/chenfan33/cloud-project/internal/cache"
	"github.com/chenfan33/cloud-project/internal/chunk"
	"github.com/chenfan33/cloud-project/internal/kv"
	"github.com/chenfan33/cloud-project/internal/kverr"
	"github.com/chenfan33/cloud-project/internal/notify"
	"github.com/chenfan33/cloud-project/internal/replication"
	"github.com/chenfan33/cloud-project/internal/seqguard"
	"github.com/chenfan33/cloud-project/internal/wal"
)

// Role identifies whether an Engine instance is currently acting as
// the primary or as a secondary replica.
type Role int

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// Engine is the facade every server handler and CLI command goes
// through. All its exported methods assume they are called from a
// single goroutine at a time, matching the dispatch loop's
// one-command-fully-processed-before-the-next model; the mutex below
// exists only to guard against accidental concurrent use (e.g. the
// checkpoint scheduler ticking while the dispatch loop is mid-command),
// not to provide fine-grained concurrency.
type Engine struct {
	mu sync.Mutex

	dataRoot string
	walPath  string
	logger   *slog.Logger

	chunks *chunk.Manager
	log    wal.WAL
	cache  *cache.Cache
	seq    *seqguard.Guard

	forwarder *replication.Forwarder
	conns     *replication.PeerConns

	role        Role
	primaryAddr string
	secondaries []string

	killed bool

	opsSinceCheckpoint int
	checkpointOps      int

	// checkpointDone wakes goroutines waiting on WaitForCheckpoint,
	// e.g. a CLI command that issued CKPT and wants to report when it
	// actually lands, or a test waiting out an automatic checkpoint.
	checkpointDone *notify.Signal
}

// Config collects the parameters needed to construct an Engine.
type Config struct {
	DataRoot      string
	WALPath       string
	Role          Role
	PrimaryAddr   string
	Secondaries   []string
	CheckpointOps int
	Logger        *slog.Logger
}

// New constructs an Engine and recovers its state from disk (WAL
// replay) before returning, so a freshly constructed Engine is
// immediately ready to serve requests.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.WALPath == "" {
		cfg.WALPath = filepath.Join(cfg.DataRoot, "logging")
	}

	e := &Engine{
		dataRoot:       cfg.DataRoot,
		walPath:        cfg.WALPath,
		logger:         logger,
		chunks:         chunk.NewManager(cfg.DataRoot, logger),
		log:            wal.New(cfg.WALPath),
		cache:          cache.New(),
		seq:            seqguard.New(0),
		conns:          replication.NewPeerConns(),
		role:           cfg.Role,
		primaryAddr:    cfg.PrimaryAddr,
		secondaries:    cfg.Secondaries,
		checkpointOps:  cfg.CheckpointOps,
		checkpointDone: notify.NewSignal(),
	}
	e.forwarder = replication.NewForwarder(e.conns, logger)

	if err := e.recoverLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// recoverLocked replays the WAL into the cache and advances the
// sequence guard. Called during New and after a secondary's sync.
// Replay-time mutations bypass logging, but they still pass through
// the same sequence guard as the live write path so a corrupt or
// non-monotonic WAL fails recovery instead of being applied silently.
func (e *Engine) recoverLocked() error {
	e.cache.Reset()

	if e.role == RolePrimary {
		if _, err := os.Stat(e.log.Path()); os.IsNotExist(err) {
			if err := e.log.ResetTo(e.seq.Current()); err != nil {
				return kverr.New(kverr.KindLogWrite, "engine.recover", err)
			}
		}
	}

	baseline := uint64(0)
	if data, err := os.ReadFile(e.log.Path()); err == nil {
		if b, err := wal.ParseBaseline(data); err == nil {
			baseline = b
		}
	}
	e.seq.Reset(baseline)

	_, err := e.log.Replay(func(entry wal.Entry) error {
		if err := e.seq.Validate(entry.Seq); err != nil {
			return err
		}
		if _, err := e.chunks.ForWrite(entry.User); err != nil {
			return err
		}
		switch entry.Op {
		case wal.OpPuts:
			e.cache.Put(entry.User, entry.Key, entry.Value)
		case wal.OpDele:
			e.cache.Delete(entry.User, entry.Key)
		}
		e.seq.Commit(entry.Seq)
		return nil
	})
	if err != nil {
		return kverr.New(kverr.KindRecovery, "engine.recover", err)
	}
	return nil
}

// Put applies a PUTS mutation at sequence seq, appending to the WAL
// before updating the cache, per the spec's validate-then-log-then-
// apply ordering.
func (e *Engine) Put(user, key string, value []byte, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.putLocked(user, key, value, seq)
}

func (e *Engine) putLocked(user, key string, value []byte, seq uint64) error {
	if e.killed {
		return kverr.New(kverr.KindLink, "engine.Put", fmt.Errorf("node is killed"))
	}
	if err := kv.ValidateUser(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.Put", err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return kverr.New(kverr.KindKeyNotFound, "engine.Put", err)
	}
	if _, err := e.chunks.ForWrite(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.Put", err)
	}
	if err := e.seq.Validate(seq); err != nil {
		return err
	}
	if err := e.log.Append(wal.Entry{Seq: seq, User: user, Key: key, Op: wal.OpPuts, Value: value}); err != nil {
		return kverr.New(kverr.KindLogWrite, "engine.Put", err)
	}
	e.seq.Commit(seq)
	e.cache.Put(user, key, value)
	e.afterMutationLocked()
	return nil
}

// CPut applies a compare-and-put: new is only written if the key's
// current value equals expected (a nonexistent key reads as an empty
// expected value, so CPut("", new) creates a fresh key).
func (e *Engine) CPut(user, key string, expected, newValue []byte, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return kverr.New(kverr.KindLink, "engine.CPut", fmt.Errorf("node is killed"))
	}
	if err := kv.ValidateUser(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.CPut", err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return kverr.New(kverr.KindKeyNotFound, "engine.CPut", err)
	}
	if _, err := e.chunks.ForWrite(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.CPut", err)
	}
	if err := e.seq.Validate(seq); err != nil {
		return err
	}

	current, err := e.getLocked(user, key)
	if err != nil && !errors.Is(err, kverr.ErrKeyNotFound) {
		return err
	}
	if string(current) != string(expected) {
		return kverr.ErrValueMismatch
	}

	if err := e.log.Append(wal.Entry{Seq: seq, User: user, Key: key, Op: wal.OpPuts, Value: newValue}); err != nil {
		return kverr.New(kverr.KindLogWrite, "engine.CPut", err)
	}
	e.seq.Commit(seq)
	e.cache.Put(user, key, newValue)
	e.afterMutationLocked()
	return nil
}

// Delete applies a DELE mutation at sequence seq.
func (e *Engine) Delete(user, key string, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return kverr.New(kverr.KindLink, "engine.Delete", fmt.Errorf("node is killed"))
	}
	if err := kv.ValidateUser(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.Delete", err)
	}
	if _, err := e.chunks.ForWrite(user); err != nil {
		return kverr.New(kverr.KindUser, "engine.Delete", err)
	}
	if err := e.seq.Validate(seq); err != nil {
		return err
	}
	if err := e.log.Append(wal.Entry{Seq: seq, User: user, Key: key, Op: wal.OpDele}); err != nil {
		return kverr.New(kverr.KindLogWrite, "engine.Delete", err)
	}
	e.seq.Commit(seq)
	e.cache.Delete(user, key)
	e.afterMutationLocked()
	return nil
}

// Get returns the current value for user/key, consulting the cache
// tiers before falling back to the chunk store.
func (e *Engine) Get(user, key string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(user, key)
}

func (e *Engine) getLocked(user, key string) ([]byte, error) {
	if err := kv.ValidateUser(user); err != nil {
		return nil, kverr.New(kverr.KindUser, "engine.Get", err)
	}

	if v, found, deleted := e.cache.Get(user, key); found {
		if deleted {
			return nil, kverr.ErrKeyNotFound
		}
		return v, nil
	}

	store, err := e.chunks.For(user)
	if err != nil {
		return nil, kverr.New(kverr.KindUser, "engine.Get", err)
	}
	value, err := store.Get(key)
	if err != nil {
		if err == chunk.ErrKeyNotFound {
			return nil, kverr.ErrKeyNotFound
		}
		return nil, kverr.New(kverr.KindKeyNotFound, "engine.Get", err)
	}
	e.cache.Warm(user, key, value)
	return value, nil
}

// GetAll returns every live key/value pair for user, merging the
// updates cache over the on-disk chunk store contents.
func (e *Engine) GetAll(user string) (map[string][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := kv.ValidateUser(user); err != nil {
		return nil, kverr.New(kverr.KindUser, "engine.GetAll", err)
	}

	store, err := e.chunks.For(user)
	if err != nil {
		return nil, kverr.New(kverr.KindUser, "engine.GetAll", err)
	}
	onDisk, err := store.GetAll()
	if err != nil {
		return nil, kverr.New(kverr.KindRecovery, "engine.GetAll", err)
	}

	out := make(map[string][]byte, len(onDisk))
	for k, v := range onDisk {
		out[k] = v
	}
	for k, v := range e.cache.PendingUpdates(user) {
		if kv.IsTombstone(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out, nil
}

// afterMutationLocked bumps the checkpoint counter and triggers an
// automatic checkpoint once checkpointOps mutations have accumulated,
// mirroring the reference engine's periodic "every N requests" policy
// but counted per mutation rather than per connection event.
func (e *Engine) afterMutationLocked() {
	if e.checkpointOps <= 0 {
		return
	}
	e.opsSinceCheckpoint++
	if e.opsSinceCheckpoint >= e.checkpointOps {
		if err := e.checkpointLocked(); err != nil {
			e.logger.Error("automatic checkpoint failed", "err", err)
		}
	}
}

// Checkpoint flushes every user's pending updates to the chunk store,
// truncates the WAL, and records the current sequence ID as the new
// recovery baseline.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	for _, user := range e.cache.Users() {
		pending := e.cache.PendingUpdates(user)
		if len(pending) == 0 {
			continue
		}
		store, err := e.chunks.For(user)
		if err != nil {
			return kverr.New(kverr.KindUser, "engine.Checkpoint", err)
		}
		if err := store.AppendBatch(pending); err != nil {
			return kverr.New(kverr.KindRecovery, "engine.Checkpoint", err)
		}
		e.cache.Flush(user)
	}

	seq := e.seq.Current()
	if err := e.log.ResetTo(seq); err != nil {
		return kverr.New(kverr.KindLogWrite, "engine.Checkpoint", err)
	}
	e.opsSinceCheckpoint = 0
	e.logger.Debug("checkpoint complete", "sequence_id", seq)
	e.checkpointDone.Notify()
	return nil
}

// WaitForCheckpoint returns a channel that closes the next time a
// checkpoint (automatic or explicit) completes. Callers must re-call
// WaitForCheckpoint after each wakeup to wait on the next one.
func (e *Engine) WaitForCheckpoint() <-chan struct{} {
	return e.checkpointDone.C()
}

// Role returns the engine's current replication role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// SetRole updates the engine's role and peer addresses, used when an
// external operator promotes or demotes a node.
func (e *Engine) SetRole(role Role, primaryAddr string, secondaries []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = role
	e.primaryAddr = primaryAddr
	e.secondaries = secondaries
}

// SetSecondaries updates only the secondary address list, leaving role
// and primary address untouched. Used to apply a CLUSTER command from
// an external controller informing a primary of its current replicas.
func (e *Engine) SetSecondaries(secondaries []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secondaries = secondaries
}

// Secondaries returns the configured secondary addresses.
func (e *Engine) Secondaries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.secondaries))
	copy(out, e.secondaries)
	return out
}

// Forwarder exposes the engine's replication forwarder so the server
// layer can forward accepted mutations while still holding the
// dispatch loop's single-flight guarantee.
func (e *Engine) Forwarder() *replication.Forwarder {
	return e.forwarder
}

// Kill marks the node as killed: Put, CPut and Delete are rejected
// until Restart runs, while Get and GetAll are still served. Kill
// leaves the role and the sequence guard untouched; Restart rebuilds
// the guard from the WAL, so a killed-then-restarted primary resumes
// at the sequence ID it had when it was killed.
func (e *Engine) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = true
}

// Killed reports whether the node is currently in the killed state.
func (e *Engine) Killed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

// Restart brings a killed node back online. A primary reinitializes
// its cache directly from the WAL; a secondary dials its primary and
// runs the SYNC protocol before resuming service.
func (e *Engine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.killed {
		return nil
	}

	if e.role == RolePrimary {
		if err := e.recoverLocked(); err != nil {
			return err
		}
		e.killed = false
		return nil
	}

	if err := e.recoverFromPrimaryLocked(ctx); err != nil {
		return err
	}
	e.killed = false
	return nil
}

// RecoverFromPrimary runs a secondary's half of the SYNC protocol over
// conn, an already-established connection to the primary, then replays
// the recovered WAL into the local cache. ctx bounds the whole exchange;
// canceling it closes the connection and aborts the sync in progress.
func (e *Engine) RecoverFromPrimary(ctx context.Context, conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoverFromPrimaryConnLocked(ctx, conn)
}

// recoverFromPrimaryLocked dials the engine's configured primary
// itself before handing off to recoverFromPrimaryConnLocked, used by
// Restart where no connection has been established yet.
func (e *Engine) recoverFromPrimaryLocked(ctx context.Context) error {
	conn, err := net.Dial("tcp", e.primaryAddr)
	if err != nil {
		return kverr.New(kverr.KindLink, "engine.Restart", err)
	}
	defer conn.Close()
	return e.recoverFromPrimaryConnLocked(ctx, conn)
}

func (e *Engine) recoverFromPrimaryConnLocked(ctx context.Context, conn net.Conn) error {
	if err := replication.RunSecondarySide(ctx, conn, e.dataRoot, e.walPath, e.logger); err != nil {
		return kverr.New(kverr.KindSync, "engine.RecoverFromPrimary", err)
	}
	return e.recoverLocked()
}

// InitPrimary prepares a brand-new primary's WAL file if one doesn't
// already exist, establishing sequence ID 0 as the recovery baseline.
func (e *Engine) InitPrimary() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = RolePrimary
	return e.recoverLocked()
}

// SyncSecondary runs the primary's half of the SYNC protocol against a
// newly connected secondary. ctx bounds the exchange; canceling it
// closes conn and aborts the sync in progress.
func (e *Engine) SyncSecondary(ctx context.Context, conn net.Conn) error {
	e.mu.Lock()
	dataRoot, walPath, logger := e.dataRoot, e.walPath, e.logger
	e.mu.Unlock()
	return replication.RunPrimarySide(ctx, conn, dataRoot, walPath, logger)
}
