package detection

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RuleSet is an immutable snapshot of loaded rules. The engine picks up a
// fresh snapshot between events, so a reload never affects an evaluation
// in flight.
type RuleSet struct {
	Rules []*Rule
}

// ByID returns the rule with the ID, or nil.
func (rs *RuleSet) ByID(id string) *Rule {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Store loads detection rules from a directory tree and hot-reloads them
// on change. Layout:
//
//	<dir>/custom/*.yml    condition rules
//	<dir>/sigma/*.yml     Sigma rules
//	<dir>/yara/*.yar      YARA rulesets
//	<dir>/anomaly/*.yml   statistical baseline rules
type Store struct {
	dir     string
	current atomic.Pointer[RuleSet]
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewStore loads the rules once. Individual files that fail to parse are
// logged and skipped; a missing subdirectory is not an error.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "rule-store"),
		stopCh: make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current rule set.
func (s *Store) Snapshot() *RuleSet {
	return s.current.Load()
}

// Reload re-reads every rule file and atomically swaps the snapshot.
func (s *Store) Reload() error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("rules directory: %w", err)
	}

	var rules []*Rule
	rules = append(rules, s.loadDir(filepath.Join(s.dir, "custom"), RuleTypeCustom)...)
	rules = append(rules, s.loadDir(filepath.Join(s.dir, "anomaly"), RuleTypeAnomaly)...)
	rules = append(rules, s.loadDir(filepath.Join(s.dir, "sigma"), RuleTypeSigma)...)
	rules = append(rules, s.loadDir(filepath.Join(s.dir, "yara"), RuleTypeYara)...)

	s.current.Store(&RuleSet{Rules: rules})
	s.logger.Info("Rules loaded", "count", len(rules))
	return nil
}

func (s *Store) loadDir(dir string, ruleType RuleType) []*Rule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read rules directory", "dir", dir, "error", err)
		}
		return nil
	}

	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() || !ruleFile(ruleType, entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rule, err := s.loadFile(path, ruleType)
		if err != nil {
			s.logger.Warn("Skipping unloadable rule", "file", path, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func ruleFile(ruleType RuleType, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ruleType == RuleTypeYara {
		return ext == ".yar" || ext == ".yara"
	}
	return ext == ".yml" || ext == ".yaml"
}

func (s *Store) loadFile(path string, ruleType RuleType) (*Rule, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	baseID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch ruleType {
	case RuleTypeSigma:
		return parseSigmaRule(contents)
	case RuleTypeYara:
		return parseYaraRule(baseID, contents)
	default:
		// Absent fields keep their pre-set defaults.
		rule := &Rule{Enabled: true, Type: ruleType}
		if err := yaml.Unmarshal(contents, rule); err != nil {
			return nil, fmt.Errorf("parsing rule yaml: %w", err)
		}
		if rule.ID == "" {
			rule.ID = baseID
		}
		if err := rule.validate(); err != nil {
			return nil, err
		}
		return rule, nil
	}
}

// Watch starts hot reloading. Filesystem events are debounced so editors
// that write in several steps trigger a single reload.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	s.watcher = watcher

	dirs := []string{s.dir}
	for _, sub := range []string{"custom", "anomaly", "sigma", "yara"} {
		dirs = append(dirs, filepath.Join(s.dir, sub))
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return fmt.Errorf("watching %s: %w", dir, err)
			}
		}
	}

	s.wg.Add(1)
	go s.watchLoop()
	s.logger.Info("Rule hot reload enabled", "dir", s.dir)
	return nil
}

func (s *Store) watchLoop() {
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
			s.logger.Warn("Rules watcher error", "error", err)
		case <-timerCh:
			if err := s.Reload(); err != nil {
				s.logger.Error("Rule reload failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.stopCh)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
