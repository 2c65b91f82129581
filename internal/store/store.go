// Package store implements the durable tier: a disk-backed key-value store
// holding serialized payloads with a validator and TTL metadata. Entries
// survive process restarts; corrupted entries read back as misses and are
// evicted, never surfaced as errors.
package store

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

// Store is a disk-backed key-value store with a JSON index
type Store struct {
	mu          sync.RWMutex
	directory   string
	index       map[string]*Record
	currentSize int64
	config      *Config
	logger      *utils.StructuredLogger
	closed      bool
}

// Config represents durable store configuration
type Config struct {
	Directory   string `yaml:"directory"`
	IndexFile   string `yaml:"index_file"`
	Compression bool   `yaml:"compression"`
}

// Record is the index entry for one stored payload. WrittenAt and TTL
// implement the freshness invariant; Validator is the opaque version token
// compared instead of the payload itself.
type Record struct {
	Key        string        `json:"key"`
	FilePath   string        `json:"file_path"`
	Validator  string        `json:"validator,omitempty"`
	WrittenAt  time.Time     `json:"written_at"`
	TTL        time.Duration `json:"ttl"`
	Size       int64         `json:"size"`
	Compressed bool          `json:"compressed"`
	Checksum   string        `json:"checksum"`
}

// Open opens (or creates) a store rooted at the configured directory and
// loads any existing index.
func Open(config *Config, logger *utils.StructuredLogger) (*Store, error) {
	if config == nil {
		config = &Config{
			Directory:   filepath.Join(os.TempDir(), "newscache"),
			IndexFile:   "store-index.json",
			Compression: true,
		}
	}
	if config.IndexFile == "" {
		config.IndexFile = "store-index.json"
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		directory: config.Directory,
		index:     make(map[string]*Record),
		config:    config,
		logger:    logger.WithComponent("store"),
	}

	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load store index: %w", err)
	}

	return s, nil
}

// Get retrieves the payload and metadata for key. A corrupted or missing
// file is treated as a miss and the record is dropped.
func (s *Store) Get(key string) (json.RawMessage, Record, bool) {
	s.mu.RLock()
	rec, exists := s.index[key]
	s.mu.RUnlock()

	if !exists {
		return nil, Record{}, false
	}

	data, err := s.readFromFile(rec)
	if err != nil {
		s.logger.Warn("Dropping unreadable store entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.mu.Lock()
		s.removeRecord(rec)
		s.mu.Unlock()
		return nil, Record{}, false
	}

	return data, *rec, true
}

// Meta returns the metadata for key without reading the payload file.
func (s *Store) Meta(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.index[key]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Put stores a payload under key. Any earlier entry under the same key is
// replaced; last write wins, no merge.
func (s *Store) Put(key string, data json.RawMessage, validator string, writtenAt time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.index[key]; exists {
		_ = os.Remove(existing.FilePath) // Ignore error on cleanup
		s.currentSize -= existing.Size
	}

	rec := &Record{
		Key:        key,
		Validator:  validator,
		WrittenAt:  writtenAt,
		TTL:        ttl,
		Compressed: s.config.Compression,
		Checksum:   s.calculateChecksum(data),
	}
	rec.FilePath = s.generateFilePath(key)

	actualSize, err := s.writeToFile(rec, data)
	if err != nil {
		return fmt.Errorf("failed to write store entry: %w", err)
	}

	rec.Size = actualSize
	s.index[key] = rec
	s.currentSize += actualSize
	return nil
}

// Delete removes a single key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.index[key]; exists {
		s.removeRecord(rec)
	}
}

// DeleteFunc removes every key the predicate matches and returns the number
// of removed entries.
func (s *Store) DeleteFunc(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*Record
	for key, rec := range s.index {
		if match(key) {
			doomed = append(doomed, rec)
		}
	}
	for _, rec := range doomed {
		s.removeRecord(rec)
	}
	return len(doomed)
}

// Each calls fn for every record in the index. fn must not call back into
// the store.
func (s *Store) Each(fn func(key string, rec Record)) {
	s.mu.RLock()
	snapshot := make([]Record, 0, len(s.index))
	for _, rec := range s.index {
		snapshot = append(snapshot, *rec)
	}
	s.mu.RUnlock()

	for _, rec := range snapshot {
		fn(rec.Key, rec)
	}
}

// Stats returns entry and size totals. Read-only.
func (s *Store) Stats() types.DurableCacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.DurableCacheStats{
		EntryCount:     len(s.index),
		TotalSizeBytes: s.currentSize,
	}
}

// Clear removes all entries and their files.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.index {
		_ = os.Remove(rec.FilePath) // Ignore error on cleanup
	}
	s.index = make(map[string]*Record)
	s.currentSize = 0
}

// Close persists the index. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveIndex()
}

// Sync persists the index without closing the store.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveIndex()
}

// Helper methods

// removeRecord drops a record and its file. Caller holds the lock.
func (s *Store) removeRecord(rec *Record) {
	_ = os.Remove(rec.FilePath) // Ignore error on cleanup
	delete(s.index, rec.Key)
	s.currentSize -= rec.Size
}

func (s *Store) generateFilePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	filename := fmt.Sprintf("%x", hash[:8]) // Use first 8 bytes of hash
	return filepath.Join(s.directory, filename+".entry")
}

func (s *Store) calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func (s *Store) writeToFile(rec *Record, data []byte) (int64, error) {
	file, err := os.Create(rec.FilePath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	var writer io.Writer = file
	var gzipWriter *gzip.Writer

	if rec.Compressed {
		gzipWriter = gzip.NewWriter(file)
		writer = gzipWriter
	}

	n, err := writer.Write(data)
	if err != nil {
		if gzipWriter != nil {
			_ = gzipWriter.Close()
		}
		_ = os.Remove(rec.FilePath) // Clean up on error, ignore result
		return 0, err
	}

	// The gzip writer must be flushed before stat, or Size records only
	// the gzip header.
	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			_ = os.Remove(rec.FilePath)
			return 0, err
		}
	}

	if stat, err := file.Stat(); err == nil {
		return stat.Size(), nil
	}

	return int64(n), nil
}

func (s *Store) readFromFile(rec *Record) ([]byte, error) {
	file, err := os.Open(rec.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file

	if rec.Compressed {
		gzipReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gzipReader.Close() }()
		reader = gzipReader
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if s.calculateChecksum(data) != rec.Checksum {
		return nil, fmt.Errorf("checksum mismatch for stored entry")
	}

	return data, nil
}

func (s *Store) loadIndex() error {
	indexPath := filepath.Join(s.directory, s.config.IndexFile)

	// Validate path is within the store directory
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(s.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var records map[string]*Record
	if err := json.NewDecoder(file).Decode(&records); err != nil {
		// A mangled index is a cold cache, not a startup failure.
		s.logger.Warn("Discarding unparseable store index", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	s.currentSize = 0
	for key, rec := range records {
		if _, err := os.Stat(rec.FilePath); os.IsNotExist(err) {
			continue // Skip missing files
		}
		s.index[key] = rec
		s.currentSize += rec.Size
	}

	return nil
}

// saveIndex writes the index atomically. Caller holds at least a read lock.
func (s *Store) saveIndex() error {
	indexPath := filepath.Join(s.directory, s.config.IndexFile)

	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(s.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = os.Remove(tmpPath) // Ignore cleanup error
		return err
	}

	return os.Rename(tmpPath, indexPath)
}
