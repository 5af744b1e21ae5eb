package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/remediation"
)

const maxFileAudits = 200

// PatternFile is the YAML root structure of a pattern pack.
type PatternFile struct {
	Patterns []FilePattern `yaml:"patterns"`
}

// FilePattern is a pattern with its fixes inline. A missing enabled flag means enabled.
type FilePattern struct {
	ID                     int64     `yaml:"id"`
	Name                   string    `yaml:"name"`
	Description            string    `yaml:"description"`
	Regex                  string    `yaml:"regex"`
	ErrorType              string    `yaml:"error_type"`
	Severity               string    `yaml:"severity"`
	Enabled                *bool     `yaml:"enabled"`
	ThresholdCount         int       `yaml:"threshold_count"`
	ThresholdWindowMinutes int       `yaml:"threshold_window_minutes"`
	CooldownMinutes        int       `yaml:"cooldown_minutes"`
	Fixes                  []FileFix `yaml:"fixes"`
}

func (fp FilePattern) pattern() models.ErrorPattern {
	return models.ErrorPattern{
		ID:                     fp.ID,
		Name:                   fp.Name,
		Description:            fp.Description,
		Regex:                  fp.Regex,
		ErrorType:              fp.ErrorType,
		Severity:               models.ParseSeverity(fp.Severity),
		Enabled:                enabled(fp.Enabled),
		ThresholdCount:         fp.ThresholdCount,
		ThresholdWindowMinutes: fp.ThresholdWindowMinutes,
		CooldownMinutes:        fp.CooldownMinutes,
	}
}

// FileFix is one fix binding in a pattern pack.
type FileFix struct {
	ID       int64          `yaml:"id"`
	FixType  string         `yaml:"fix_type"`
	Priority int            `yaml:"priority"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

type fileState struct {
	patterns []models.ErrorPattern
	fixes    map[int64][]*models.RemediationFix
	matches  map[int64]int64
}

// FileStore serves patterns and fixes from a YAML file. Counters and audit records live in memory
// and are reset when the file is reloaded.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	state  fileState
	audits []models.AuditRecord
}

// NewFileStore loads path. A missing file is an error.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("pattern file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, logger: logger}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Load re-reads the file. On error the previously loaded state is kept.
func (s *FileStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read pattern file: %w", err)
	}
	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse pattern file %s: %w", s.path, err)
	}
	state, err := buildState(file)
	if err != nil {
		return fmt.Errorf("pattern file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.logger.Info("pattern file loaded", slog.String("path", s.path), slog.Int("patterns", len(state.patterns)))
	return nil
}

func buildState(file PatternFile) (fileState, error) {
	state := fileState{
		fixes:   make(map[int64][]*models.RemediationFix),
		matches: make(map[int64]int64),
	}
	seen := make(map[int64]bool)
	var nextFixID int64 = 1
	for i, fp := range file.Patterns {
		p := fp.pattern()
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		if seen[p.ID] {
			return fileState{}, fmt.Errorf("duplicate pattern id %d", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" || p.Regex == "" {
			return fileState{}, fmt.Errorf("pattern %d: name and regex are required", p.ID)
		}
		state.patterns = append(state.patterns, p)

		for _, ff := range fp.Fixes {
			ft, err := models.ParseFixType(ff.FixType)
			if err != nil {
				return fileState{}, fmt.Errorf("pattern %s: %w", p.Name, err)
			}
			if err := remediation.ValidateConfig(ft, ff.Config); err != nil {
				return fileState{}, fmt.Errorf("pattern %s: %w", p.Name, err)
			}
			id := ff.ID
			if id == 0 {
				id = nextFixID
			}
			if id >= nextFixID {
				nextFixID = id + 1
			}
			state.fixes[p.ID] = append(state.fixes[p.ID], &models.RemediationFix{
				ID:        id,
				PatternID: p.ID,
				FixType:   ft,
				Config:    ff.Config,
				Priority:  ff.Priority,
				Enabled:   enabled(ff.Enabled),
			})
		}
		sort.SliceStable(state.fixes[p.ID], func(a, b int) bool {
			return state.fixes[p.ID][a].Priority < state.fixes[p.ID][b].Priority
		})
	}
	return state, nil
}

// EnabledPatterns implements the pattern store.
func (s *FileStore) EnabledPatterns(context.Context) ([]models.ErrorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ErrorPattern, 0, len(s.state.patterns))
	for _, p := range s.state.patterns {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// IncrementMatchCount counts n matches in memory.
func (s *FileStore) IncrementMatchCount(_ context.Context, patternID int64, n int) error {
	s.mu.Lock()
	s.state.matches[patternID] += int64(n)
	s.mu.Unlock()
	return nil
}

// MatchCount returns the in-memory match count of a pattern.
func (s *FileStore) MatchCount(patternID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.matches[patternID]
}

// FixForPattern returns a copy of the lowest-priority enabled fix.
func (s *FileStore) FixForPattern(_ context.Context, patternID int64) (*models.RemediationFix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fix := range s.state.fixes[patternID] {
		if fix.Enabled {
			cp := *fix
			return &cp, nil
		}
	}
	return nil, nil
}

// IncrementFixCounter updates the in-memory counters.
func (s *FileStore) IncrementFixCounter(_ context.Context, fixID int64, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fixes := range s.state.fixes {
		for _, fix := range fixes {
			if fix.ID != fixID {
				continue
			}
			if success {
				fix.SuccessCount++
			} else {
				fix.FailureCount++
			}
			ts := at
			fix.LastAppliedAt = &ts
			return nil
		}
	}
	return fmt.Errorf("fix %d: %w", fixID, ErrNotFound)
}

// InsertAudit logs the record and keeps the most recent ones in memory.
func (s *FileStore) InsertAudit(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	s.audits = append(s.audits, rec)
	if len(s.audits) > maxFileAudits {
		s.audits = s.audits[len(s.audits)-maxFileAudits:]
	}
	s.mu.Unlock()

	s.logger.Info("remediation audit",
		slog.String("outcome", string(rec.Outcome)),
		slog.Int64("duration_ms", rec.DurationMS),
		slog.Any("details", rec.Details))
	return nil
}

// Audits returns the retained audit records, oldest first.
func (s *FileStore) Audits() []models.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditRecord(nil), s.audits...)
}

// Watch reloads the file whenever it changes and then calls onReload. It blocks until ctx is done.
// The parent directory is watched so atomic renames are observed.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration, onReload func()) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var timerCh <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if name != target && filepath.Base(name) != "..data" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("pattern file watcher error", slog.Any("error", err))
		case <-timerCh:
			timerCh = nil
			if err := s.Load(); err != nil {
				s.logger.Error("pattern file reload failed; keeping previous patterns", slog.Any("error", err))
				continue
			}
			if onReload != nil {
				onReload()
			}
		}
	}
}
