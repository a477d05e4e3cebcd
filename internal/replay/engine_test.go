package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/rapport/internal/anthropic"
	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/engine"
	"github.com/MikeSquared-Agency/rapport/internal/store"
)

type steadyJudge struct {
	mu    sync.Mutex
	calls int
}

func (j *steadyJudge) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	return `{"trust_delta": 4, "rationale": "Asked a real question.", "deception_deployed": false}`, nil
}

// flakyStore fails the nth exchange insert and passes everything else through.
type flakyStore struct {
	*store.SQLite
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakyStore) InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.SQLite.InsertAssessment(ctx, a)
}

func TestRunner_RetryAfterPartialSessionStoresEachExchangeOnce(t *testing.T) {
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := &flakyStore{SQLite: db, failOn: 2}
	judge := &steadyJudge{}
	eng := engine.New(repo, assessment.New(judge, time.Second, 0, discardLogger()), nil, nil, discardLogger())

	dir := t.TempDir()
	twoExchangeTranscript(t, dir, "partial.jsonl", `{"type":"session","session_id":"sess-partial","agent_id":"rep-1","difficulty":"normal"}`)
	cfg := Config{Dir: dir, StatePath: filepath.Join(t.TempDir(), "state.json")}

	results, err := NewRunner(cfg, eng, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(results) != 1 || !errors.Is(results[0].Err, engine.ErrPersistence) {
		t.Fatalf("expected the second exchange to fail, got %+v", results)
	}

	results, err = NewRunner(cfg, eng, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("expected the retry to finish the session, got %+v", results)
	}

	records, err := eng.Exchanges(context.Background(), "sess-partial")
	if err != nil {
		t.Fatalf("Exchanges: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 stored exchanges, got %d", len(records))
	}
	if records[1].TrustBefore != records[0].TrustAfter {
		t.Errorf("retry must continue from the stored trust: %d after %d", records[1].TrustBefore, records[0].TrustAfter)
	}
	if judge.calls != 3 {
		t.Errorf("the stored first exchange should not be judged again, judge calls = %d", judge.calls)
	}

	sum, err := eng.Summary(context.Background(), "sess-partial")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(sum.Progression) != 2 || sum.EndScore != 58 {
		t.Errorf("unexpected summary: progression %d, end %d", len(sum.Progression), sum.EndScore)
	}
}
