package replication

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/chenfan33/cloud-project/internal/transport"
	"github.com/chenfan33/cloud-project/internal/wal"
)

// watchCancel closes conn if ctx is done before the returned stop func
// runs, giving an otherwise blocking sync exchange a cancellation
// path: the blocked read or write unblocks with an error as soon as
// the connection closes underneath it.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// walEntryName is the filename (relative to a node's data root) used
// for the write-ahead log in every file envelope exchanged during
// sync, so both sides agree on where to find it.
const walEntryName = "logging"

// RunPrimarySide carries out the primary's half of the SYNC protocol
// over conn, once a secondary has connected and sent a SYNC command.
// It sends the current WAL file, then either nothing more (secondary
// replays on its own) or a full directory tree (secondary fell too far
// behind), and finally waits for the secondary's completion status.
func RunPrimarySide(ctx context.Context, conn net.Conn, dataRoot, walPath string, logger *slog.Logger) error {
	stop := watchCancel(ctx, conn)
	defer stop()

	if err := runPrimarySide(conn, dataRoot, walPath, logger); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func runPrimarySide(conn net.Conn, dataRoot, walPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	// Tag this attempt so its log lines can be correlated across both
	// sides of the connection and across retries after a dropped sync.
	logger = logger.With("sync_id", uuid.New().String())

	// The secondary's opening SYNC command arrives on this same
	// connection before any sync-specific framing begins.
	if _, err := transport.ReadMessage(conn); err != nil {
		return fmt.Errorf("replication: read opening SYNC command: %w", err)
	}

	logData, err := os.ReadFile(walPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replication: read wal for sync: %w", err)
	}
	if err := transport.WriteEnvelope(conn, transport.FileEnvelope{
		Filename: walEntryName,
		Type:     transport.EntryFile,
		Size:     int64(len(logData)),
		Body:     logData,
	}); err != nil {
		return fmt.Errorf("replication: send wal envelope: %w", err)
	}

	resp, err := transport.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("replication: read secondary response: %w", err)
	}

	if string(resp) == transport.TokenFull {
		logger.Debug("replication: secondary requested full sync")
		sendErr := sendAllContent(conn, dataRoot, walPath)
		final := transport.TokenSyncDone
		if sendErr != nil {
			final = transport.TokenSyncError
		}
		if err := transport.WriteMessage(conn, []byte(final)); err != nil {
			return fmt.Errorf("replication: send final status: %w", err)
		}
		if sendErr != nil {
			return sendErr
		}
	}

	ack, err := transport.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("replication: read secondary ack: %w", err)
	}
	if string(ack) != transport.TokenSyncDone {
		return fmt.Errorf("replication: secondary reported sync error")
	}
	return nil
}

// sendAllContent streams every file and directory under dataRoot to
// the secondary as a sequence of envelopes, followed by the WAL under
// walEntryName. The caller sends the terminal status token.
func sendAllContent(conn net.Conn, dataRoot, walPath string) error {
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dataRoot {
			return nil
		}
		rel, err := filepath.Rel(dataRoot, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return transport.WriteEnvelope(conn, transport.FileEnvelope{Filename: rel, Type: transport.EntryDir})
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return transport.WriteEnvelope(conn, transport.FileEnvelope{
			Filename: rel,
			Type:     transport.EntryFile,
			Size:     int64(len(body)),
			Body:     body,
		})
	})
	if err != nil {
		return fmt.Errorf("replication: walk data root: %w", err)
	}

	// The WAL file itself lives outside dataRoot's user directories in
	// some deployments; send it explicitly under its well-known name so
	// the secondary always finds it at walEntryName regardless of where
	// this node's operator put it on disk.
	logData, err := os.ReadFile(walPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replication: read wal for full sync: %w", err)
	}
	return transport.WriteEnvelope(conn, transport.FileEnvelope{
		Filename: walEntryName,
		Type:     transport.EntryFile,
		Size:     int64(len(logData)),
		Body:     logData,
	})
}

// RunSecondarySide carries out the secondary's half of the SYNC
// protocol over conn, an already-established connection to the
// primary. On return, dataRoot and walPath hold the recovered state;
// the caller (the engine) is responsible for replaying walPath into
// its in-memory cache afterward.
func RunSecondarySide(ctx context.Context, conn net.Conn, dataRoot, walPath string, logger *slog.Logger) error {
	stop := watchCancel(ctx, conn)
	defer stop()

	if err := runSecondarySide(conn, dataRoot, walPath, logger); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func runSecondarySide(conn net.Conn, dataRoot, walPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("sync_id", uuid.New().String())

	startSync := transport.EncodeCommand(transport.Command{Com: transport.ComSync})
	if err := transport.WriteMessage(conn, startSync); err != nil {
		return fmt.Errorf("replication: send SYNC: %w", err)
	}

	env, err := transport.ReadEnvelope(conn)
	if err != nil {
		return fmt.Errorf("replication: read wal envelope: %w", err)
	}

	remoteBaseline, err := wal.ParseBaseline(env.Body)
	if err != nil {
		logger.Warn("replication: could not parse primary wal baseline, requesting full sync", "err", err)
		remoteBaseline = 0
	}

	localBaseline := uint64(0)
	localOK := false
	if localData, err := os.ReadFile(walPath); err == nil {
		if b, perr := wal.ParseBaseline(localData); perr == nil {
			localBaseline = b
			localOK = true
		}
	}

	// A secondary whose local WAL is absent or unparseable always
	// chooses FULL, independent of how the baselines compare.
	needFull := !localOK || remoteBaseline > localBaseline

	var syncErr error
	if needFull {
		logger.Info("replication: requesting full sync", "remote_baseline", remoteBaseline, "local_baseline", localBaseline)
		if err := transport.WriteMessage(conn, []byte(transport.TokenFull)); err != nil {
			return fmt.Errorf("replication: send FULL: %w", err)
		}
		if err := resetLocalState(dataRoot, walPath); err != nil {
			return fmt.Errorf("replication: reset local state: %w", err)
		}
		syncErr = receiveAllContent(conn, dataRoot, walPath)
	} else {
		logger.Debug("replication: no full sync needed, replaying received log")
		if err := transport.WriteMessage(conn, []byte(transport.TokenOK)); err != nil {
			return fmt.Errorf("replication: send OK: %w", err)
		}
		syncErr = writeFileAtomic(walPath, env.Body)
	}

	final := transport.TokenSyncDone
	if syncErr != nil {
		final = transport.TokenSyncError
	}
	if err := transport.WriteMessage(conn, []byte(final)); err != nil {
		return fmt.Errorf("replication: send final ack: %w", err)
	}
	return syncErr
}

func resetLocalState(dataRoot, walPath string) error {
	if err := os.RemoveAll(dataRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(dataRoot, 0o750); err != nil {
		return err
	}
	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// receiveAllContent reads envelopes until a terminal status token,
// materializing each as a directory or file under dataRoot, with the
// well-known WAL entry routed to walPath instead.
func receiveAllContent(conn net.Conn, dataRoot, walPath string) error {
	for {
		raw, err := transport.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("replication: read during full sync: %w", err)
		}
		switch string(raw) {
		case transport.TokenSyncDone:
			return nil
		case transport.TokenSyncError:
			return fmt.Errorf("replication: primary reported sync error")
		}

		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			return fmt.Errorf("replication: decode envelope: %w", err)
		}

		if env.Filename == walEntryName {
			if err := writeFileAtomic(walPath, env.Body); err != nil {
				return err
			}
			continue
		}

		target := filepath.Join(dataRoot, env.Filename)
		switch env.Type {
		case transport.EntryDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("replication: mkdir %s: %w", target, err)
			}
		case transport.EntryFile:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("replication: mkdir parent of %s: %w", target, err)
			}
			if err := writeFileAtomic(target, env.Body); err != nil {
				return err
			}
		default:
			return fmt.Errorf("replication: unknown envelope type %q", env.Type)
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("replication: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("replication: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("replication: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
