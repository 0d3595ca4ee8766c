// Package statestore persists the orchestrator state as a single JSON
// document. Writes go to a temp file in the same directory followed by an
// atomic rename, so a reader only ever sees a complete snapshot.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// ErrLocked is returned when another writer holds the state lock
var ErrLocked = errors.New("state file is locked by another writer")

const defaultLockStale = 30 * time.Second

// Store reads and writes the state file
type Store struct {
	path      string
	lockPath  string
	lockStale time.Duration
	logger    *zap.Logger
	now       func() time.Time

	// processAlive reports whether a lock owner still runs
	processAlive func(pid int) bool

	mu sync.Mutex

	// afterTempWrite runs between the temp write and the rename; tests use
	// it to simulate a crash at that point.
	afterTempWrite func(tmpPath string) error
}

// New creates a Store for the given state file path
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:      path,
		lockPath:  path + ".lock",
		lockStale: defaultLockStale,
		logger:    logger.Named("statestore"),
		now:       time.Now,

		processAlive: processAlive,
	}
}

// Path returns the state file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields the empty state. An
// unreadable file is moved aside as <path>.corrupted.<unix-ms> and the
// empty state is returned; corruption is never an error.
func (s *Store) Load() (*domain.OrchestratorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeStaleTemps()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewState(), nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	st, parseErr := decode(data)
	if parseErr == nil {
		return st, nil
	}

	backup := s.path + ".corrupted." + strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := os.Rename(s.path, backup); err != nil {
		s.logger.Error("state file corrupted and could not be moved aside",
			zap.String("path", s.path), zap.Error(parseErr), zap.NamedError("rename_error", err))
	} else {
		s.logger.Warn("state file corrupted, starting from empty state",
			zap.String("path", s.path), zap.String("backup", backup), zap.Error(parseErr))
	}
	return domain.NewState(), nil
}

func decode(data []byte) (*domain.OrchestratorState, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("state file is empty")
	}
	var st *domain.OrchestratorState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("state file holds null")
	}
	st.Normalize()
	for id, t := range st.Tasks {
		if t == nil {
			return nil, fmt.Errorf("task %q is null", id)
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("task %q has unknown status %q", id, t.Status)
		}
	}
	return st, nil
}

// Save writes a full snapshot atomically
func (s *Store) Save(st *domain.OrchestratorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if s.afterTempWrite != nil {
		if err := s.afterTempWrite(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// acquireLock takes the cross-process lock file. The lock records the
// owner's pid and is broken at once when that process is gone or is this
// process (s.mu is held, so a lock naming our own pid was left by an earlier
// run that got the same pid). Any other lock is broken once older than
// lockStale.
func (s *Store) acquireLock() (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(s.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		reason, stale := s.lockAbandoned()
		if !stale {
			return nil, ErrLocked
		}
		s.logger.Warn("breaking abandoned state lock", zap.String("lock", s.lockPath),
			zap.String("reason", reason))
		os.Remove(s.lockPath)
	}
	return nil, ErrLocked
}

// lockAbandoned reports whether the existing lock file can be broken
func (s *Store) lockAbandoned() (string, bool) {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		return "", false
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
		if pid == os.Getpid() {
			return "owner pid is this process", true
		}
		if !s.processAlive(pid) {
			return fmt.Sprintf("owner pid %d is not running", pid), true
		}
	}
	info, err := os.Stat(s.lockPath)
	if err != nil || s.now().Sub(info.ModTime()) < s.lockStale {
		return "", false
	}
	return "lock is older than " + s.lockStale.String(), true
}

// removeStaleTemps deletes temp files a crashed Save left behind. They were
// never renamed, so they are not part of any committed snapshot.
func (s *Store) removeStaleTemps() {
	matches, _ := filepath.Glob(s.path + ".*.tmp")
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.logger.Info("removed temp file from interrupted save", zap.String("path", m))
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
