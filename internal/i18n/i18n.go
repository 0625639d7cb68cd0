// Package i18n provides the thin template service spec.md §4.E/§9 requires
// for agent-step prompt packs: t(key, attrs) -> string and exists?(key). Key
// namespaces are dotted ("implement_feature.prompt",
// "implement_feature.tools"); values live in YAML files under a prompt-pack
// directory and are hot-reloaded on edit, mirroring the teacher's
// cmd/bd/daemon_watcher.go fsnotify + debounce pattern.
package i18n

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Service is a loaded, optionally hot-reloading prompt pack.
type Service struct {
	mu      sync.RWMutex
	dir     string
	data    map[string]any
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads every *.yaml / *.yml file under dir and merges them into one
// flat key space (top-level map keys become the namespace, e.g. a file
// defining `implement_feature: {prompt: "..."}` exposes
// "implement_feature.prompt").
func Load(dir string) (*Service, error) {
	s := &Service{dir: dir, data: map[string]any{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.data = map[string]any{}
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("i18n: read prompt pack dir: %w", err)
	}

	merged := map[string]any{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name)) // #nosec G304 - prompt pack dir is operator-controlled
		if err != nil {
			return fmt.Errorf("i18n: read %s: %w", name, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("i18n: parse %s: %w", name, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}

	s.mu.Lock()
	s.data = merged
	s.mu.Unlock()
	return nil
}

// Exists reports whether key resolves to anything in the loaded pack.
func (s *Service) Exists(key string) bool {
	_, ok := s.get(key)
	return ok
}

// Get returns the raw (untemplated) value at key — a string, []any, or
// nested map — used for non-string keys like "<name>.tools" or
// "<name>.response_schema".
func (s *Service) Get(key string) (any, bool) {
	return s.get(key)
}

func (s *Service) get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cur any = s.data
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// T resolves key to a string template and interpolates attrs via
// text/template, the same templating idiom the teacher's
// compact.HaikuClient uses to render its tier1 summary prompt.
func (s *Service) T(key string, attrs map[string]any) (string, error) {
	raw, ok := s.get(key)
	if !ok {
		return "", fmt.Errorf("i18n: key %q not found", key)
	}
	text, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("i18n: key %q is not a string template", key)
	}
	tmpl, err := template.New(key).Parse(text)
	if err != nil {
		return "", fmt.Errorf("i18n: parse template %q: %w", key, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, attrs); err != nil {
		return "", fmt.Errorf("i18n: render template %q: %w", key, err)
	}
	return buf.String(), nil
}

// StringList resolves key to a []string, e.g. "<name>.cached_prompts" or
// "<name>.tools"; a missing key yields an empty slice rather than an error,
// matching spec.md §4.E's "if present else []" fallback.
func (s *Service) StringList(key string) []string {
	raw, ok := s.get(key)
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it))
	}
	return out
}

// Watch starts hot-reloading the pack on any file change under dir,
// debounced by 200ms so a burst of saves triggers one reload.
func (s *Service) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("i18n: create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("i18n: watch %s: %w", s.dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-s.done:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, func() { _ = s.reload() })
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops hot-reloading, if started.
func (s *Service) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
