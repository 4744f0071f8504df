// File: internal/persistence/persistence.go
// Description: Best-effort JSON persistence for learned instruction patterns
// and the interaction log. Files that are missing or corrupt load as empty;
// saves are atomic via rename.

package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	patternsFile     = "patterns.json"
	interactionsFile = "interactions.json"
	// interactionsCap bounds the interaction log; oldest entries drop.
	interactionsCap = 1000
	// patternMinSuccessRate is the floor below which a learned pattern is no
	// longer served.
	patternMinSuccessRate = 0.5
)

// Pattern is one learned instruction-to-plan mapping with its track record.
type Pattern struct {
	Instruction string             `json:"instruction"`
	Plan        schemas.ActionPlan `json:"plan"`
	Uses        int                `json:"uses"`
	Successes   int                `json:"successes"`
	LastUsed    time.Time          `json:"last_used"`
}

// SuccessRate is the observed fraction of successful replays.
func (p Pattern) SuccessRate() float64 {
	if p.Uses == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Uses)
}

// Interaction is one executed instruction with its outcome.
type Interaction struct {
	SessionID   string    `json:"session_id"`
	Instruction string    `json:"instruction"`
	Intent      string    `json:"intent"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// Store holds both files under one lock.
type Store struct {
	dir    string
	bus    *events.Bus
	logger *zap.Logger

	mu           sync.Mutex
	patterns     map[string]*Pattern
	interactions []Interaction
}

// NewStore loads existing data from dir, creating it if needed. Load failures
// are logged and treated as empty state, never surfaced.
func NewStore(dir string, bus *events.Bus, logger *zap.Logger) *Store {
	s := &Store{
		dir:      dir,
		bus:      bus,
		logger:   logger.Named("persistence"),
		patterns: make(map[string]*Pattern),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Could not create persistence dir", zap.String("dir", dir), zap.Error(err))
		return s
	}
	s.loadPatterns()
	s.loadInteractions()
	return s
}

func (s *Store) loadPatterns() {
	var loaded []Pattern
	if !s.loadJSON(patternsFile, &loaded) {
		return
	}
	for i := range loaded {
		p := loaded[i]
		s.patterns[normalize(p.Instruction)] = &p
	}
	s.logger.Info("Loaded learned patterns", zap.Int("count", len(s.patterns)))
}

func (s *Store) loadInteractions() {
	var loaded []Interaction
	if !s.loadJSON(interactionsFile, &loaded) {
		return
	}
	if len(loaded) > interactionsCap {
		loaded = loaded[len(loaded)-interactionsCap:]
	}
	s.interactions = loaded
}

// loadJSON reads one file; missing or corrupt files report false.
func (s *Store) loadJSON(name string, out any) bool {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Could not read persistence file", zap.String("file", name), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("Persistence file is corrupt, starting empty",
			zap.String("file", name), zap.Error(err))
		return false
	}
	return true
}

// Lookup serves a learned plan for an instruction, when its track record
// clears the floor. Satisfies the parser's PatternSource.
func (s *Store) Lookup(instruction string) (schemas.ActionPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[normalize(instruction)]
	if !ok {
		return schemas.ActionPlan{}, false
	}
	if p.Uses > 0 && p.SuccessRate() < patternMinSuccessRate {
		return schemas.ActionPlan{}, false
	}
	return p.Plan, true
}

// Learn records an instruction outcome. Successful runs store or reinforce
// the pattern; failures count against it.
func (s *Store) Learn(instruction string, plan schemas.ActionPlan, success bool) {
	key := normalize(instruction)
	s.mu.Lock()
	p, ok := s.patterns[key]
	if !ok {
		if !success {
			s.mu.Unlock()
			return
		}
		p = &Pattern{Instruction: instruction, Plan: plan}
		s.patterns[key] = p
	}
	p.Uses++
	if success {
		p.Successes++
		p.Plan = plan
	}
	p.LastUsed = time.Now()
	count := len(s.patterns)
	s.mu.Unlock()

	if s.bus != nil {
		ev := events.New(events.LearningCompleted)
		ev.PatternN = count
		s.bus.Publish(ev)
	}
	s.savePatterns()
}

// RecordInteraction appends to the bounded interaction log.
func (s *Store) RecordInteraction(rec Interaction) {
	s.mu.Lock()
	s.interactions = append(s.interactions, rec)
	if len(s.interactions) > interactionsCap {
		s.interactions = s.interactions[len(s.interactions)-interactionsCap:]
	}
	s.mu.Unlock()
	s.saveInteractions()
}

// Interactions snapshots the log, oldest first.
func (s *Store) Interactions() []Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// PatternCount reports how many patterns are retained.
func (s *Store) PatternCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

func (s *Store) savePatterns() {
	s.mu.Lock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	s.mu.Unlock()
	s.saveJSON(patternsFile, out)
}

func (s *Store) saveInteractions() {
	s.mu.Lock()
	out := make([]Interaction, len(s.interactions))
	copy(out, s.interactions)
	s.mu.Unlock()
	s.saveJSON(interactionsFile, out)
}

// saveJSON writes via a temp file and rename so readers never observe a
// partial file. Failures are logged, not surfaced.
func (s *Store) saveJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Warn("Could not encode persistence file", zap.String("file", name), zap.Error(err))
		return
	}
	path := filepath.Join(s.dir, name)
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("Could not write persistence file", zap.String("file", name), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("Could not replace persistence file", zap.String("file", name), zap.Error(err))
	}
}

func normalize(instruction string) string {
	return strings.Join(strings.Fields(strings.ToLower(instruction)), " ")
}
