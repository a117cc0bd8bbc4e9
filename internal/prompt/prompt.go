// Package prompt supplies system and per-stage prompt text to the agents.
// The file-backed provider loads Markdown files once at startup and can hot
// reload them when the prompt directory changes, so prompt tuning never
// requires a restart.
package prompt

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

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Provider looks up prompt text by role and stage. A false second return
// means no prompt is configured for that key.
type Provider interface {
	// SystemPrompt returns the role's session-wide persona prompt.
	SystemPrompt(role string) (string, bool)

	// StagePrompt returns the role's instructions for one stage.
	StagePrompt(stageID, role string) (string, bool)
}

// systemFile is the per-role persona file inside each role directory.
const systemFile = "system.md"

// FileProvider serves prompts from a directory tree laid out as
// <dir>/<role>/system.md and <dir>/<role>/<stageID>.md.
type FileProvider struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	prompts map[string]string // "<role>/<name>" -> text

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider loads all prompts under dir. The directory must exist and
// contain at least one prompt file.
func NewFileProvider(dir string, logger *zap.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &FileProvider{
		dir:    dir,
		logger: logger,
		stop:   make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// SystemPrompt returns the role's persona prompt.
func (p *FileProvider) SystemPrompt(role string) (string, bool) {
	return p.lookup(role + "/" + systemFile)
}

// StagePrompt returns the role's instructions for a stage.
func (p *FileProvider) StagePrompt(stageID, role string) (string, bool) {
	return p.lookup(role + "/" + stageID + ".md")
}

func (p *FileProvider) lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	text, ok := p.prompts[key]
	return text, ok
}

// reload re-reads the whole prompt tree and swaps the cache atomically.
func (p *FileProvider) reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}

	prompts := make(map[string]string)
	for _, roleDir := range entries {
		if !roleDir.IsDir() {
			continue
		}
		role := roleDir.Name()

		files, err := os.ReadDir(filepath.Join(p.dir, role))
		if err != nil {
			return fmt.Errorf("failed to read role directory %s: %w", role, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(p.dir, role, f.Name()))
			if err != nil {
				return fmt.Errorf("failed to read prompt file %s/%s: %w", role, f.Name(), err)
			}
			text := strings.TrimSpace(string(data))
			if text == "" {
				continue
			}
			prompts[role+"/"+f.Name()] = text
		}
	}

	if len(prompts) == 0 {
		return fmt.Errorf("no prompt files found under %s", p.dir)
	}

	p.mu.Lock()
	p.prompts = prompts
	p.mu.Unlock()

	p.logger.Info("prompts loaded",
		zap.String("dir", p.dir),
		zap.Int("count", len(prompts)),
	)
	return nil
}

// Watch starts hot reloading. Any write, create, rename or remove under the
// prompt tree triggers a full re-read; a reload that fails keeps the
// previous prompt set.
func (p *FileProvider) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	p.watcher = watcher

	if err := watcher.Add(p.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching prompt directory: %w", err)
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(p.dir, e.Name()))
		}
	}

	go p.processEvents()
	return nil
}

// Close stops the watcher. Safe to call multiple times and without a prior
// Watch.
func (p *FileProvider) Close() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
		if p.watcher != nil {
			_ = p.watcher.Close()
		}
	}
}

func (p *FileProvider) processEvents() {
	for {
		select {
		case <-p.stop:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("prompt reload failed, keeping previous prompts",
					zap.Error(err),
				)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

// StaticProvider serves prompts from an in-memory map, keyed the same way as
// the file layout. Used in tests and scripted examples.
type StaticProvider struct {
	Prompts map[string]string
}

var _ Provider = (*StaticProvider)(nil)

// SystemPrompt returns the role's persona prompt.
func (p *StaticProvider) SystemPrompt(role string) (string, bool) {
	text, ok := p.Prompts[role+"/"+systemFile]
	return text, ok
}

// StagePrompt returns the role's instructions for a stage.
func (p *StaticProvider) StagePrompt(stageID, role string) (string, bool) {
	text, ok := p.Prompts[role+"/"+stageID+".md"]
	return text, ok
}
