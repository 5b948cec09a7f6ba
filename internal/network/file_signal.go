package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrUnknownSignal reports status file contents that are neither online nor offline.
var ErrUnknownSignal = errors.New("network: unknown signal value")

// StatusSetter receives connectivity notifications.
type StatusSetter interface {
	SetOnline(online bool)
}

// ParseSignal interprets the contents of a status file.
func ParseSignal(content string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownSignal, content)
	}
}

// FileSignal pushes the contents of a status file into a StatusSetter whenever the file changes.
// A missing file reads as offline.
type FileSignal struct {
	path    string
	target  StatusSetter
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSignal creates a FileSignal. It must be started with Start.
func NewFileSignal(path string, target StatusSetter, logger *zap.Logger) (*FileSignal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("network: signal file path is required")
	}
	if target == nil {
		return nil, errors.New("network: signal target is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileSignal{
		path:    filepath.Clean(path),
		target:  target,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start pushes the current file contents and then watches the parent directory,
// so atomic rename-into-place writes are observed too.
func (s *FileSignal) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("network: signal already running")
	}
	directory := filepath.Dir(s.path)
	if err := s.watcher.Add(directory); err != nil {
		return fmt.Errorf("failed to watch signal directory %s: %w", directory, err)
	}
	s.running = true
	s.publish()

	s.wg.Add(1)
	go s.processEvents()
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (s *FileSignal) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	s.wg.Wait()
	return nil
}

func (s *FileSignal) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.publish()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("network signal watch error", zap.String("path", s.path), zap.Error(err))
		}
	}
}

func (s *FileSignal) publish() {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("network signal read failed", zap.String("path", s.path), zap.Error(err))
			return
		}
		content = nil
	}
	online, parseErr := ParseSignal(string(content))
	if parseErr != nil {
		s.logger.Warn("network signal ignored", zap.String("path", s.path), zap.Error(parseErr))
		return
	}
	s.target.SetOnline(online)
}
