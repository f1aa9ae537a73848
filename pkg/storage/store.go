package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/config"
)

// ErrBusy is returned when the filesystem exclusive-access token could
// not be acquired within the bound. The operation is abandoned for this
// cycle; contention must never wedge the whole process.
var ErrBusy = errors.New("filesystem busy: token not acquired within bound")

// Store is the filesystem backend: the root path holding session
// directories, and the single exclusive-access token every filesystem
// operation goes through. The session directory is assigned once by
// Init and read-only afterwards.
type Store struct {
	root        string
	prefix      string
	lockTimeout time.Duration

	token chan struct{}
	ready chan struct{}

	sessionDir string

	logger *zap.Logger
}

// NewStore creates a store for the configured root. Init must run
// before any writes.
func NewStore(cfg config.StorageConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}

	s := &Store{
		root:        cfg.Root,
		prefix:      cfg.SessionPrefix,
		lockTimeout: lockTimeout,
		token:       make(chan struct{}, 1),
		ready:       make(chan struct{}),
		logger:      logger,
	}
	s.token <- struct{}{}
	return s
}

// Init prepares the backing storage: verifies the root, scans existing
// session directories and creates the next one (strictly increasing
// across power cycles), then signals readiness. An unusable root is
// fatal for storage since no session can be created.
func (s *Store) Init() error {
	err := s.withToken(func() error {
		if err := os.MkdirAll(s.root, 0755); err != nil {
			return fmt.Errorf("storage root unusable: %w", err)
		}

		next, err := s.nextSessionNumber()
		if err != nil {
			return err
		}

		dir := filepath.Join(s.root, fmt.Sprintf("%s%d", s.prefix, next))
		if err := os.Mkdir(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory %s: %w", dir, err)
		}
		s.sessionDir = dir
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("session directory created", zap.String("dir", s.sessionDir))
	close(s.ready)
	return nil
}

// nextSessionNumber scans the root for session-prefixed directories and
// returns one greater than the highest trailing ordinal found, or 1
// when none exist. Caller holds the token.
func (s *Store) nextSessionNumber() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list storage root: %w", err)
	}

	highest := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), s.prefix))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// Ready returns a channel closed once Init has completed. Consumers
// wait on it instead of polling.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// SessionDir returns the current session directory. Valid after Init.
func (s *Store) SessionDir() string {
	return s.sessionDir
}

// DataFilePath returns the path of the numbered data file within the
// current session.
func (s *Store) DataFilePath(counter uint32) string {
	return filepath.Join(s.sessionDir, fmt.Sprintf("data_%d.bin", counter))
}

// withToken runs op holding the exclusive-access token, waiting at most
// the configured bound for it.
func (s *Store) withToken(op func() error) error {
	select {
	case <-s.token:
	case <-time.After(s.lockTimeout):
		s.logger.Warn("filesystem token contention", zap.Duration("timeout", s.lockTimeout))
		return ErrBusy
	}
	defer func() { s.token <- struct{}{} }()
	return op()
}

// AppendFile opens the target in append mode (creating it if absent),
// seeks to the end, writes data as one contiguous block and closes the
// file. No descriptor survives between calls: a power loss between
// flushes loses at most one unflushed batch.
func (s *Store) AppendFile(path string, data []byte) error {
	return s.withToken(func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}
		return nil
	})
}

// ReadFile reads a whole file under the exclusive-access token.
func (s *Store) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := s.withToken(func() error {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		return nil
	})
	return data, err
}

// ListFiles lists directory entries under the exclusive-access token.
func (s *Store) ListFiles(dir string) ([]string, error) {
	var names []string
	err := s.withToken(func() error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return nil
	})
	return names, err
}
