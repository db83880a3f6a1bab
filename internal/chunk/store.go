package chunk

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	indexFileName      = "chunk_index"
	metadataFileName   = "chunk_metadata"
	deleteListFileName = "delete_list"
	compressedFileName = "compressed_chunks"
	chunkFilePrefix    = "chunk-"

	dirMode  = 0o750
	fileMode = 0o640
)

// FileStore is the on-disk Store implementation. The on-disk grammar
// (chunk_index, chunk_metadata, delete_list, chunk-<n>) and lazy-delete
// behavior follow the reference engine's Chunk struct record for
// record: a <key>\n<size>\n<raw bytes> triple per record, append-only
// within a chunk file, rotated once the active file passes SizeLimit.
type FileStore struct {
	mu sync.Mutex

	dir    string
	user   string
	logger *slog.Logger

	appendIndex uint64
	currentSize uint64
	metadata    map[string]uint64 // key -> chunk id holding the live record
	compressed  map[uint64]bool   // chunk id -> sealed and zstd-compressed

	compressionEnabled bool
}

// NewFileStore constructs a Store rooted at dir (the user's own chunk
// directory, e.g. dataRoot/<user>). logger may be nil.
func NewFileStore(dir, user string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{
		dir:      dir,
		user:     user,
		logger:   logger,
		metadata: make(map[string]uint64),
	}
}

// Init loads the on-disk layout for user. The user's directory must
// already exist; a user that has never been written creates no
// directory, so Init returns ErrUserNotFound for it.
func (s *FileStore) Init(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return fmt.Errorf("chunk: init user %s: %w", user, ErrUserNotFound)
	} else if err != nil {
		return fmt.Errorf("chunk: init user %s: %w", user, err)
	}

	return s.loadLocked()
}

// InitForWrite loads the on-disk layout for user, creating the user's
// directory if this is its first write.
func (s *FileStore) InitForWrite(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("chunk: init user %s: %w", user, err)
	}

	return s.loadLocked()
}

func (s *FileStore) loadLocked() error {
	if err := s.loadIndex(); err != nil {
		return err
	}
	if err := s.loadMetadata(); err != nil {
		return err
	}
	if err := s.loadCompressed(); err != nil {
		return err
	}
	return nil
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if os.IsNotExist(err) {
		s.appendIndex, s.currentSize = 0, 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunk: read index: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		return fmt.Errorf("%w: index truncated", ErrCorruptChunk)
	}
	appendIdx, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: index append counter: %v", ErrCorruptChunk, err)
	}
	size, err := strconv.ParseUint(lines[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: index size counter: %v", ErrCorruptChunk, err)
	}
	s.appendIndex, s.currentSize = appendIdx, size
	return nil
}

func (s *FileStore) loadMetadata() error {
	f, err := os.Open(filepath.Join(s.dir, metadataFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunk: read metadata: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := scanner.Text()
		if !scanner.Scan() {
			break
		}
		id, err := strconv.ParseUint(scanner.Text(), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: metadata chunk id for key %q: %v", ErrCorruptChunk, key, err)
		}
		s.metadata[key] = id
	}
	return scanner.Err()
}

func (s *FileStore) loadCompressed() error {
	s.compressed = make(map[uint64]bool)
	f, err := os.Open(filepath.Join(s.dir, compressedFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunk: read compressed list: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
		if err != nil {
			continue
		}
		s.compressed[id] = true
	}
	return scanner.Err()
}

// chunkPath returns the on-disk path for chunk id, accounting for
// whether it has been sealed and compressed.
func (s *FileStore) chunkPath(id uint64) string {
	base := filepath.Join(s.dir, chunkFilePrefix+strconv.FormatUint(id, 10))
	if s.compressed[id] {
		return base + ".zst"
	}
	return base
}

func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *FileStore) getLocked(key string) ([]byte, error) {
	id, ok := s.metadata[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	records, err := s.readChunk(id)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].key == key {
			return records[i].value, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *FileStore) GetAll() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(s.metadata))
	for key := range s.metadata {
		value, err := s.getLocked(key)
		if err != nil {
			if err == ErrKeyNotFound {
				continue
			}
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

type chunkRecord struct {
	key   string
	value []byte
}

// readChunk loads every record, in append order, from chunk id.
func (s *FileStore) readChunk(id uint64) ([]chunkRecord, error) {
	path := s.chunkPath(id)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunk: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.compressed[id] {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("chunk: zstd reader for %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return decodeRecords(r)
}

// decodeRecords streams <key>\n<size>\n<raw bytes> triples until EOF,
// never using a line-oriented parser on the value bytes since the
// value may itself contain newlines.
func decodeRecords(r io.Reader) ([]chunkRecord, error) {
	br := bufio.NewReader(r)
	var records []chunkRecord
	for {
		keyLine, err := br.ReadString('\n')
		if err == io.EOF && keyLine == "" {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("chunk: read key line: %w", err)
		}
		key := strings.TrimSuffix(keyLine, "\n")

		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: missing size line for key %q", ErrCorruptChunk, key)
		}
		size, err := strconv.ParseUint(strings.TrimSuffix(sizeLine, "\n"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad size for key %q: %v", ErrCorruptChunk, key, err)
		}
		value := make([]byte, size)
		if _, err := io.ReadFull(br, value); err != nil {
			return nil, fmt.Errorf("%w: short value for key %q: %v", ErrCorruptChunk, key, err)
		}
		records = append(records, chunkRecord{key: key, value: value})
	}
	return records, nil
}

func encodeRecord(w io.Writer, key string, value []byte) (int, error) {
	header := fmt.Sprintf("%s\n%d\n", key, len(value))
	n, err := io.WriteString(w, header)
	if err != nil {
		return n, err
	}
	m, err := w.Write(value)
	return n + m, err
}

// AppendBatch writes every update to the active chunk file, rotating
// when SizeLimit is crossed, updates the in-memory and on-disk
// metadata, and records superseded records for lazy deletion. Keys
// whose value is empty are treated as tombstones and removed from the
// live key set.
func (s *FileStore) AppendBatch(updates map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}

	// Deterministic order keeps chunk file contents reproducible across
	// runs given the same input map, which matters for tests.
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := s.chunkPath(s.appendIndex)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("chunk: open active chunk: %w", err)
	}

	var toDelete []struct {
		key string
		id  uint64
	}

	for _, key := range keys {
		value := updates[key]
		if len(value) == 0 {
			if id, ok := s.metadata[key]; ok {
				toDelete = append(toDelete, struct {
					key string
					id  uint64
				}{key, id})
				delete(s.metadata, key)
			}
			continue
		}

		if id, ok := s.metadata[key]; ok {
			toDelete = append(toDelete, struct {
				key string
				id  uint64
			}{key, id})
		}

		n, err := encodeRecord(f, key, value)
		if err != nil {
			f.Close()
			return fmt.Errorf("chunk: append record %q: %w", key, err)
		}
		s.metadata[key] = s.appendIndex
		s.currentSize += uint64(n)

		if s.currentSize > SizeLimit {
			f.Close()
			s.appendIndex++
			s.currentSize = 0
			f, err = os.OpenFile(s.chunkPath(s.appendIndex), os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
			if err != nil {
				return fmt.Errorf("chunk: rotate chunk: %w", err)
			}
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("chunk: close active chunk: %w", err)
	}

	if err := s.writeIndexLocked(); err != nil {
		return err
	}
	if err := s.writeMetadataLocked(); err != nil {
		return err
	}
	if len(toDelete) > 0 {
		if err := s.appendDeleteListLocked(toDelete); err != nil {
			return err
		}
	}
	return s.lazyDeleteLocked()
}

func (s *FileStore) writeIndexLocked() error {
	data := fmt.Sprintf("%d\n%d", s.appendIndex, s.currentSize)
	return writeFileAtomic(filepath.Join(s.dir, indexFileName), []byte(data))
}

func (s *FileStore) writeMetadataLocked() error {
	keys := make([]string, 0, len(s.metadata))
	for k := range s.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s\n%d\n", k, s.metadata[k])
	}
	return writeFileAtomic(filepath.Join(s.dir, metadataFileName), []byte(sb.String()))
}

func (s *FileStore) appendDeleteListLocked(entries []struct {
	key string
	id  uint64
}) error {
	f, err := os.OpenFile(filepath.Join(s.dir, deleteListFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("chunk: open delete list: %w", err)
	}
	defer f.Close()
	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s\n%d\n", e.key, e.id); err != nil {
			return fmt.Errorf("chunk: append delete list: %w", err)
		}
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename, so a
// crash mid-write never leaves a torn sidecar file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("chunk: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chunk: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chunk: rename into place %s: %w", path, err)
	}
	return nil
}

// lazyDeleteLocked consumes the pending delete list, rewriting every
// affected chunk file with superseded/deleted records dropped, then
// removes the delete list. Mirrors the reference engine's lazy_delete:
// deletes are batched and applied per-chunk rather than in place.
func (s *FileStore) lazyDeleteLocked() error {
	path := filepath.Join(s.dir, deleteListFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunk: open delete list: %w", err)
	}

	byChunk := make(map[uint64]map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := scanner.Text()
		if !scanner.Scan() {
			break
		}
		id, err := strconv.ParseUint(scanner.Text(), 10, 64)
		if err != nil {
			continue
		}
		if byChunk[id] == nil {
			byChunk[id] = make(map[string]int)
		}
		byChunk[id][key]++
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return err
	}

	for id, pending := range byChunk {
		records, err := s.readChunk(id)
		if err != nil {
			return err
		}
		remaining := records[:0]
		for _, rec := range records {
			if pending[rec.key] > 0 {
				pending[rec.key]--
				continue
			}
			remaining = append(remaining, rec)
		}
		if err := s.rewriteChunkLocked(id, remaining); err != nil {
			return err
		}
	}

	return os.Remove(path)
}

func (s *FileStore) rewriteChunkLocked(id uint64, records []chunkRecord) error {
	if len(records) == 0 {
		if id != s.appendIndex {
			os.Remove(s.chunkPath(id))
			return nil
		}
	}

	var w io.Writer
	var closer func() error

	if s.compressionEnabled && id != s.appendIndex {
		plainPath := filepath.Join(s.dir, chunkFilePrefix+strconv.FormatUint(id, 10))
		f, err := os.Create(plainPath + ".zst")
		if err != nil {
			return fmt.Errorf("chunk: rewrite %d: %w", id, err)
		}
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return err
		}
		w = enc
		closer = func() error {
			if err := enc.Close(); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := os.Remove(plainPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
		s.compressed[id] = true
	} else {
		f, err := os.Create(s.chunkPath(id))
		if err != nil {
			return fmt.Errorf("chunk: rewrite %d: %w", id, err)
		}
		w = f
		closer = f.Close
	}

	for _, rec := range records {
		if _, err := encodeRecord(w, rec.key, rec.value); err != nil {
			closer()
			return err
		}
	}
	if err := closer(); err != nil {
		return err
	}
	return s.writeCompressedListLocked()
}

func (s *FileStore) writeCompressedListLocked() error {
	ids := make([]uint64, 0, len(s.compressed))
	for id, on := range s.compressed {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d\n", id)
	}
	return writeFileAtomic(filepath.Join(s.dir, compressedFileName), []byte(sb.String()))
}

// SetCompressionEnabled turns on zstd compression for chunk files sealed
// by future Compact calls. The active (still-appended-to) chunk is
// never compressed.
func (s *FileStore) SetCompressionEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressionEnabled = enabled
}

// Compact seals every non-active chunk still holding live records: it
// rewrites each one with only its currently-referenced records (the
// lazy delete list already keeps chunk files trimmed as updates land,
// so this mainly exists to optionally compress sealed chunks and to
// garbage-collect chunk files left with zero live records after a
// run of deletes).
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[uint64][]chunkRecord)
	for key, id := range s.metadata {
		value, err := s.getLocked(key)
		if err != nil {
			continue
		}
		live[id] = append(live[id], chunkRecord{key: key, value: value})
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("chunk: list chunk dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, chunkFilePrefix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, chunkFilePrefix), ".zst")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		if id == s.appendIndex {
			continue
		}
		records := live[id]
		if len(records) == 0 {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("chunk: gc empty chunk %d: %w", id, err)
			}
			delete(s.compressed, id)
			continue
		}
		sort.Slice(records, func(i, j int) bool { return records[i].key < records[j].key })
		if err := s.rewriteChunkLocked(id, records); err != nil {
			return err
		}
	}
	return nil
}
