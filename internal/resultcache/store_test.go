package resultcache_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"deepscan/internal/resultcache"
	"deepscan/internal/verdict"
)

func openStore(t *testing.T) (*resultcache.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "verdicts.db")
	store, err := resultcache.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func result(hash string, category verdict.Category, created time.Time) verdict.Result {
	return verdict.Result{
		VideoHash:         hash,
		VideoPath:         "/videos/" + hash + ".mp4",
		ModelType:         "ensemble",
		Verdict:           category,
		IsFake:            category == verdict.Fake,
		FakeProbability:   0.8,
		OverallConfidence: 0.6,
		CalibrationMethod: "agreement_strength",
		FrameCount:        2,
		FrameAnalysis: []verdict.FrameAnalysis{
			{FrameNumber: 0, ConfidenceScore: 0.8, ProcessingTimeMs: 10, Artifacts: []string{}},
			{FrameNumber: 1, ConfidenceScore: 0.8, ProcessingTimeMs: 20, Artifacts: []string{"flagged_by_cnn"}},
		},
		CreatedAt: created,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	stored, err := store.Put(ctx, "fp-1", result("abc", verdict.Fake, time.Now()))
	if err != nil || !stored {
		t.Fatalf("Put = %v, %v", stored, err)
	}

	got, err := store.Get(ctx, "abc", "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if !got.Cached || got.Verdict != verdict.Fake || len(got.FrameAnalysis) != 2 {
		t.Fatalf("unexpected cached result %+v", got)
	}
	if got.FrameAnalysis[1].Artifacts[0] != "flagged_by_cnn" {
		t.Fatalf("artifacts lost: %+v", got.FrameAnalysis[1])
	}

	miss, err := store.Get(ctx, "abc", "fp-2")
	if err != nil || miss != nil {
		t.Fatalf("different fingerprint should miss, got %+v, %v", miss, err)
	}
}

func TestPutSkipsInconclusive(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	stored, err := store.Put(ctx, "fp", result("abc", verdict.Inconclusive, time.Now()))
	if err != nil || stored {
		t.Fatalf("inconclusive must not be stored: %v, %v", stored, err)
	}
	timedOut := result("def", verdict.Authentic, time.Now())
	timedOut.TimedOut = true
	if stored, _ := store.Put(ctx, "fp", timedOut); stored {
		t.Fatal("timed out result must not be stored")
	}
	if count, _ := store.Count(ctx); count != 0 {
		t.Fatalf("expected empty cache, got %d", count)
	}
}

func TestPutSkipsDegraded(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	degraded := result("abc", verdict.Authentic, time.Now())
	degraded.Degraded = true
	if stored, err := store.Put(ctx, "fp", degraded); err != nil || stored {
		t.Fatalf("degraded result must not be stored: %v, %v", stored, err)
	}

	failing := result("def", verdict.Fake, time.Now())
	failing.Backends = map[string]verdict.BackendResult{
		"cnn":       {Available: true, Votes: 2},
		"embedding": {Available: true, Votes: 1, Failures: 1},
	}
	if resultcache.Cacheable(failing) {
		t.Fatal("result with failed frame scores must not be cacheable")
	}

	disabled := result("ghi", verdict.Fake, time.Now())
	disabled.Backends = map[string]verdict.BackendResult{
		"cnn": {Available: true, Votes: 2},
		"laa": {Available: false, UnavailableReason: "disabled in configuration"},
	}
	if stored, err := store.Put(ctx, "fp", disabled); err != nil || !stored {
		t.Fatalf("disabled backend should not block caching: %v, %v", stored, err)
	}
	if count, _ := store.Count(ctx); count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestPutOverwritesSameKey(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "fp", result("abc", verdict.Fake, time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "fp", result("abc", verdict.Authentic, time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "abc", "fp")
	if err != nil || got == nil || got.Verdict != verdict.Authentic {
		t.Fatalf("expected overwritten verdict, got %+v, %v", got, err)
	}
	if count, _ := store.Count(ctx); count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestHistoryOrderingAndFilter(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, entry := range []struct {
		hash     string
		category verdict.Category
	}{
		{"a", verdict.Authentic},
		{"b", verdict.Fake},
		{"c", verdict.LikelyFake},
		{"d", verdict.Fake},
	} {
		created := base.Add(time.Duration(i) * 100 * time.Millisecond)
		if _, err := store.Put(ctx, "fp", result(entry.hash, entry.category, created)); err != nil {
			t.Fatalf("Put %s: %v", entry.hash, err)
		}
	}

	all, err := store.History(ctx, resultcache.HistoryFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 4 || all[0].VideoHash != "d" || all[3].VideoHash != "a" {
		t.Fatalf("unexpected ordering %+v", all)
	}
	if all[0].VideoPath != "/videos/d.mp4" || all[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected entry %+v", all[0])
	}

	fakes, err := store.History(ctx, resultcache.HistoryFilter{Category: verdict.Fake, Limit: 1})
	if err != nil {
		t.Fatalf("History filtered: %v", err)
	}
	if len(fakes) != 1 || fakes[0].VideoHash != "d" {
		t.Fatalf("unexpected filtered history %+v", fakes)
	}
}

func TestClear(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	for _, hash := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, "fp", result(hash, verdict.Fake, time.Now())); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	removed, err := store.Clear(ctx, "b")
	if err != nil || removed != 1 {
		t.Fatalf("Clear(b) = %d, %v", removed, err)
	}
	removed, err = store.Clear(ctx, "")
	if err != nil || removed != 2 {
		t.Fatalf("Clear() = %d, %v", removed, err)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	store, path := openStore(t)
	_ = store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("update version: %v", err)
	}
	_ = db.Close()

	if _, err := resultcache.Open(path); !errors.Is(err, resultcache.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	type settings struct {
		Model     string
		Threshold float64
	}
	a, err := resultcache.Fingerprint(settings{"ensemble", 0.5})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, _ := resultcache.Fingerprint(settings{"ensemble", 0.5})
	c, _ := resultcache.Fingerprint(settings{"cnn", 0.5})
	if a != b || a == c || len(a) != 32 {
		t.Fatalf("unexpected fingerprints %q %q %q", a, b, c)
	}
}
