package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Load reads and parses a policy document from disk
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if doc.Version != "1.0" && doc.Version != "2.0" {
		return nil, fmt.Errorf("unsupported policy version: %q", doc.Version)
	}

	seen := map[string]bool{}
	for _, rule := range doc.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("policy rule with empty id")
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate policy rule id: %s", rule.ID)
		}
		seen[rule.ID] = true
	}

	return &doc, nil
}

// Provider hands out the current policy document and, when watching, hot
// reloads it on file change. A failed reload keeps the last good
// document.
type Provider struct {
	path     string
	doc      *Document
	watcher  *fsnotify.Watcher
	done     chan struct{}
	debounce *time.Timer
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewProvider loads the document at path. An empty path yields an empty
// document (no rules, nothing blocks).
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path, done: make(chan struct{})}

	if path == "" {
		p.doc = &Document{Version: "1.0"}
		return p, nil
	}

	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	p.doc = doc

	log.Info().Str("path", path).Int("rules", len(doc.Rules)).Str("version", doc.Version).Msg("Policy document loaded")

	return p, nil
}

// Document returns the current document
func (p *Provider) Document() *Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc
}

// Watch starts hot reloading the policy file
func (p *Provider) Watch() error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are caught.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	p.watcher = watcher
	go p.watchLoop()

	return nil
}

func (p *Provider) watchLoop() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.scheduleReload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Policy watcher error")

		case <-p.done:
			return
		}
	}
}

// scheduleReload debounces rapid write sequences into one reload
func (p *Provider) scheduleReload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(200*time.Millisecond, p.reload)
}

func (p *Provider) reload() {
	doc, err := Load(p.path)
	if err != nil {
		log.Error().Str("path", p.path).Err(err).Msg("Policy reload failed, keeping previous document")
		return
	}

	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()

	log.Info().Str("path", p.path).Int("rules", len(doc.Rules)).Msg("Policy document reloaded")
}

// Close stops watching
func (p *Provider) Close() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}
