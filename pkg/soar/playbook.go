// Package soar runs response playbooks against incoming alerts. A playbook
// is a trigger plus an ordered list of actions executed by drivers.
package soar

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/libresiem/libresiem/pkg/models"
)

// Playbook is one loaded response playbook.
type Playbook struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`

	// Trigger matches alert fields by dotted path. All entries must match
	// for the playbook to run. An entry is either a literal value, matched
	// by equality, or a map {op, value} with op one of eq, ne, contains,
	// in, matches, exists, absent.
	Trigger map[string]any `yaml:"trigger"`

	Actions []Action `yaml:"actions"`
}

// Action is one step of a playbook.
type Action struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Condition restricts the action to alerts matching these fields, on
	// top of the playbook trigger. Same entry forms as Trigger; empty means
	// always.
	Condition map[string]any `yaml:"condition"`

	// FailStop skips the remaining actions when this action fails.
	FailStop bool `yaml:"fail_stop"`

	// Params are driver-specific and support alert templating.
	Params map[string]string `yaml:"params"`

	// TimeoutRaw bounds the driver call, e.g. "30s". Defaults to 30s.
	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
}

func (p *Playbook) validate(drivers map[string]Driver) error {
	if p.ID == "" {
		return fmt.Errorf("playbook is missing an id")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %s has no actions", p.ID)
	}
	if err := checkMatchers(p.Trigger); err != nil {
		return fmt.Errorf("playbook %s trigger: %w", p.ID, err)
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.Name == "" {
			a.Name = fmt.Sprintf("action-%d", i+1)
		}
		if err := checkMatchers(a.Condition); err != nil {
			return fmt.Errorf("playbook %s action %s condition: %w", p.ID, a.Name, err)
		}
		if _, ok := drivers[a.Type]; !ok {
			return fmt.Errorf("playbook %s action %s: unknown driver %q", p.ID, a.Name, a.Type)
		}
		if a.TimeoutRaw != "" {
			d, err := time.ParseDuration(a.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("playbook %s action %s: invalid timeout %q: %w", p.ID, a.Name, a.TimeoutRaw, err)
			}
			a.Timeout = d
		}
		if a.Timeout <= 0 {
			a.Timeout = 30 * time.Second
		}
		for key, value := range a.Params {
			if err := checkTemplate(value); err != nil {
				return fmt.Errorf("playbook %s action %s param %s: %w", p.ID, a.Name, key, err)
			}
		}
	}
	return nil
}

// Matches reports whether the alert satisfies the playbook trigger.
func (p *Playbook) Matches(alert *models.Alert) bool {
	return fieldsMatch(p.Trigger, alert)
}

// matcherOps are the operators a trigger or condition entry may name.
var matcherOps = map[string]struct{}{
	"eq": {}, "ne": {}, "contains": {}, "in": {},
	"matches": {}, "exists": {}, "absent": {},
}

// checkMatchers rejects malformed {op, value} entries at load time so a bad
// playbook never silently stops matching.
func checkMatchers(entries map[string]any) error {
	for path, want := range entries {
		m, ok := want.(map[string]any)
		if !ok {
			continue
		}
		op, _ := m["op"].(string)
		if _, known := matcherOps[op]; !known {
			return fmt.Errorf("entry %s: unknown op %q", path, op)
		}
		switch op {
		case "in":
			if _, ok := m["value"].([]any); !ok {
				return fmt.Errorf("entry %s: in needs a list value", path)
			}
		case "matches":
			pattern, ok := m["value"].(string)
			if !ok {
				return fmt.Errorf("entry %s: matches needs a string pattern", path)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("entry %s: %w", path, err)
			}
		}
	}
	return nil
}

// fieldsMatch AND-matches alert fields against the expected entries. A
// literal entry compares by equality; a map entry applies its operator.
func fieldsMatch(expected map[string]any, alert *models.Alert) bool {
	for path, want := range expected {
		op, value := "eq", want
		if m, ok := want.(map[string]any); ok {
			op, _ = m["op"].(string)
			value = m["value"]
		}
		if !matchField(op, alert.Field(path), value) {
			return false
		}
	}
	return true
}

func matchField(op string, got, want any) bool {
	switch op {
	case "exists":
		return got != nil
	case "absent":
		return got == nil
	}
	if got == nil {
		return false
	}
	switch op {
	case "eq":
		return looseEqual(got, want)
	case "ne":
		return !looseEqual(got, want)
	case "contains":
		return containsValue(got, want)
	case "in":
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(got, item) {
				return true
			}
		}
		return false
	case "matches":
		pattern, ok := want.(string)
		s, sok := got.(string)
		if !ok || !sok {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	}
	return false
}

// containsValue is substring match on strings and membership on lists.
func containsValue(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(g, w)
	case []string:
		for _, item := range g {
			if looseEqual(item, want) {
				return true
			}
		}
	case []any:
		for _, item := range g {
			if looseEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PlaybookStore loads playbooks from a directory of YAML files and
// hot-reloads on change.
type PlaybookStore struct {
	dir     string
	drivers map[string]Driver
	current atomic.Pointer[[]*Playbook]
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPlaybookStore loads every playbook once. Files that fail validation
// are logged and skipped. drivers defines the action types playbooks may
// reference.
func NewPlaybookStore(dir string, drivers map[string]Driver) (*PlaybookStore, error) {
	s := &PlaybookStore{
		dir:     dir,
		drivers: drivers,
		logger:  slog.Default().With("component", "playbook-store"),
		stopCh:  make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current playbooks.
func (s *PlaybookStore) Snapshot() []*Playbook {
	return *s.current.Load()
}

// Reload re-reads the directory and atomically swaps the snapshot.
func (s *PlaybookStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("playbooks directory: %w", err)
	}

	var playbooks []*Playbook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		pb, err := s.loadFile(path)
		if err != nil {
			s.logger.Warn("Skipping unloadable playbook", "file", path, "error", err)
			continue
		}
		playbooks = append(playbooks, pb)
	}

	s.current.Store(&playbooks)
	s.logger.Info("Playbooks loaded", "count", len(playbooks))
	return nil
}

func (s *PlaybookStore) loadFile(path string) (*Playbook, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pb := &Playbook{Enabled: true}
	if err := yaml.Unmarshal(contents, pb); err != nil {
		return nil, fmt.Errorf("parsing playbook yaml: %w", err)
	}
	if pb.ID == "" {
		pb.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := pb.validate(s.drivers); err != nil {
		return nil, err
	}
	return pb, nil
}

// Watch starts hot reloading of the playbook directory.
func (s *PlaybookStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating playbook watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	s.logger.Info("Playbook hot reload enabled", "dir", s.dir)
	return nil
}

func (s *PlaybookStore) watchLoop() {
	defer s.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(500 * time.Millisecond)
				timerCh = timer.C
			} else {
				timer.Reset(500 * time.Millisecond)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Playbook watcher error", "error", err)
		case <-timerCh:
			if err := s.Reload(); err != nil {
				s.logger.Error("Playbook reload failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (s *PlaybookStore) Close() error {
	close(s.stopCh)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
