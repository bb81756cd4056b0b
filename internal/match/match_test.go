package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/emerald-apps/fairychess-go/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil { t.Fatalf("miniredis: %v", err) }
	t.Cleanup(func() { mr.Close() })
	st, err := store.New(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil { t.Fatalf("store.New: %v", err) }
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, 0.3, rand.New(rand.NewSource(1)))
}

// ratingForWinProb inverts the logistic curve: the opponent rating that gives
// the requesting player win probability p against myRating.
func ratingForWinProb(myRating, p float64) float64 {
	return myRating + 400*math.Log10((1-p)/p)
}

func TestSearchOpenSessionsFilters(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "standard", "blitz (5 minutes)", "alice", 400); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession(ctx, "standard", "rapid (10 minutes)", "bob", 400); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession(ctx, Wildcard, Wildcard, "carol", 400); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.SearchOpenSessions(ctx, "standard", "blitz (5 minutes)", "dave")
	if err != nil { t.Fatalf("search: %v", err) }
	// the exact blitz session plus the wildcard one match; rapid does not
	if len(got) != 2 { t.Fatalf("expected 2 matches, got %d", len(got)) }
	for _, doc := range got {
		if doc.Player1ID == "bob" { t.Fatalf("rapid session should be filtered out") }
	}

	// own sessions never come back
	got, err = s.SearchOpenSessions(ctx, Wildcard, Wildcard, "alice")
	if err != nil { t.Fatalf("search: %v", err) }
	for _, doc := range got {
		if doc.Player1ID == "alice" { t.Fatalf("own session returned") }
	}
}

func TestQuickMatchReturnsEverythingElse(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "standard", "bullet (2 minutes)", "alice", 400); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession(ctx, "standard", "rapid (10 minutes)", "bob", 400); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.QuickMatch(ctx, "carol")
	if err != nil { t.Fatalf("quick match: %v", err) }
	if len(got) != 2 { t.Fatalf("expected 2 sessions, got %d", len(got)) }
}

func TestPickFairSessionBand(t *testing.T) {
	s := newTestService(t)
	const me = 1200.0

	mk := func(who string, opponentRating float64) *store.SessionDoc {
		return &store.SessionDoc{ID: who, Player1ID: who, Player1Rating: opponentRating}
	}
	// +1/-1 keeps the boundary candidates strictly outside the open band
	candidates := []*store.SessionDoc{
		mk("too-strong", ratingForWinProb(me, 0.2)+1),
		mk("fair", ratingForWinProb(me, 0.45)),
		mk("too-weak", ratingForWinProb(me, 0.8)-1),
	}

	pick, err := s.PickFairSession(candidates, me)
	if err != nil { t.Fatalf("pick: %v", err) }
	if pick.ID != "fair" { t.Fatalf("picked %q, want the 0.45 candidate", pick.ID) }
}

func TestPickFairSessionDistinctErrors(t *testing.T) {
	s := newTestService(t)

	if _, err := s.PickFairSession(nil, 1200); !errors.Is(err, ErrNoOpenSessions) {
		t.Fatalf("empty candidates: %v", err)
	}

	unfair := []*store.SessionDoc{
		{ID: "a", Player1ID: "a", Player1Rating: ratingForWinProb(1200, 0.05)},
	}
	if _, err := s.PickFairSession(unfair, 1200); !errors.Is(err, ErrNoFairSession) {
		t.Fatalf("unfair candidates: %v", err)
	}
}

func TestJoinSessionResolvesWildcards(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, Wildcard, Wildcard, "alice", 400)
	if err != nil { t.Fatalf("create: %v", err) }

	doc, err := s.JoinSession(ctx, id, "bob", 430)
	if err != nil { t.Fatalf("join: %v", err) }
	if doc.Variant != DefaultVariant || doc.TimeMode != DefaultTimeMode {
		t.Fatalf("wildcards unresolved: variant=%q time=%q", doc.Variant, doc.TimeMode)
	}
	if doc.Player2ID != "bob" || doc.Player2Color != "black" || doc.Player2Rating != 430 {
		t.Fatalf("player2 fields wrong: %+v", doc)
	}
	if doc.Player1Color != "white" { t.Fatalf("creator color = %q, want white", doc.Player1Color) }
}

func TestJoinSessionRace(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "standard", "blitz (5 minutes)", "alice", 400)
	if err != nil { t.Fatalf("create: %v", err) }

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, who := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, results[i] = s.JoinSession(ctx, id, who, 400)
		}(i, who)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSeatTaken):
			losses++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("join race: wins=%d losses=%d", wins, losses)
	}
}

func TestJoinOwnSessionRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "standard", "blitz (5 minutes)", "alice", 400)
	if err != nil { t.Fatalf("create: %v", err) }
	if _, err := s.JoinSession(ctx, id, "alice", 400); err == nil {
		t.Fatalf("joining own session should fail")
	}
}

func TestEnsurePlayerIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p1, err := s.EnsurePlayer(ctx, "alice")
	if err != nil { t.Fatalf("ensure: %v", err) }
	p2, err := s.EnsurePlayer(ctx, "alice")
	if err != nil { t.Fatalf("ensure again: %v", err) }
	if p1.Name != p2.Name || p1.Rating != p2.Rating {
		t.Fatalf("records differ: %+v vs %+v", p1, p2)
	}
}

func TestLaunchedTracking(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "standard", "blitz (5 minutes)", "alice", 400)
	if err != nil { t.Fatalf("create: %v", err) }
	if !s.Launched(id) { t.Fatalf("created session not marked launched") }
	s.Forget(id)
	if s.Launched(id) { t.Fatalf("forgotten session still marked") }
}
