// File: internal/persistence/persistence_test.go

package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/events"
)

func navPlan(url string) schemas.ActionPlan {
	return schemas.ActionPlan{
		Steps:      []schemas.ActionStep{{ActionType: schemas.ActionNavigate, Target: url}},
		Confidence: 0.9,
	}
}

func TestLearnAndLookupAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	s := NewStore(dir, nil, logger)
	s.Learn("Go to Example", navPlan("https://example.com/"), true)

	plan, ok := s.Lookup("go to  example")
	require.True(t, ok, "lookup must normalize case and whitespace")
	assert.Equal(t, "https://example.com/", plan.Steps[0].Target)

	// A fresh store reads the same file back.
	s2 := NewStore(dir, nil, logger)
	plan, ok = s2.Lookup("go to example")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", plan.Steps[0].Target)
	assert.Equal(t, 1, s2.PatternCount())
}

func TestFailingPatternStopsServing(t *testing.T) {
	s := NewStore(t.TempDir(), nil, zaptest.NewLogger(t))
	s.Learn("do it", navPlan("https://a.example/"), true)

	_, ok := s.Lookup("do it")
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		s.Learn("do it", navPlan("https://a.example/"), false)
	}
	_, ok = s.Lookup("do it")
	assert.False(t, ok, "pattern below the success floor must not be served")
}

func TestFailureAloneLearnsNothing(t *testing.T) {
	s := NewStore(t.TempDir(), nil, zaptest.NewLogger(t))
	s.Learn("broken", navPlan("https://x.example/"), false)
	assert.Zero(t, s.PatternCount())
}

func TestCorruptFilesLoadEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, patternsFile), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, interactionsFile), []byte("also bad"), 0o644))

	s := NewStore(dir, nil, zaptest.NewLogger(t))
	assert.Zero(t, s.PatternCount())
	assert.Empty(t, s.Interactions())
}

func TestInteractionLogBounded(t *testing.T) {
	s := NewStore(t.TempDir(), nil, zaptest.NewLogger(t))
	for i := 0; i < interactionsCap+50; i++ {
		s.RecordInteraction(Interaction{
			SessionID:   "s1",
			Instruction: fmt.Sprintf("instruction %d", i),
			Success:     true,
			At:          time.Now(),
		})
	}
	log := s.Interactions()
	require.Len(t, log, interactionsCap)
	assert.Equal(t, fmt.Sprintf("instruction %d", 50), log[0].Instruction, "oldest entries drop first")
}

func TestLearnPublishesEvent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 10)
	got := make(chan events.Event, 1)
	bus.Subscribe(events.LearningCompleted, func(ev events.Event) error {
		got <- ev
		return nil
	}, nil)

	s := NewStore(t.TempDir(), bus, logger)
	s.Learn("learn me", navPlan("https://l.example/"), true)

	select {
	case ev := <-got:
		assert.Equal(t, 1, ev.PatternN)
	default:
		t.Fatal("expected a learning event")
	}
}
