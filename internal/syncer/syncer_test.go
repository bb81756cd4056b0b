package syncer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/emerald-apps/fairychess-go/internal/rating"
	"github.com/emerald-apps/fairychess-go/internal/store"
)

type fakeTarget struct {
	mu        sync.Mutex
	joins     int
	positions []string
	finishes  []string
}

func (f *fakeTarget) OnOpponentJoined(*store.SessionDoc) {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
}

func (f *fakeTarget) ApplyRemotePosition(_ context.Context, pos string) error {
	f.mu.Lock()
	f.positions = append(f.positions, pos)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) OnRemoteFinish(_ context.Context, cause string) {
	f.mu.Lock()
	f.finishes = append(f.finishes, cause)
	f.mu.Unlock()
}

func (f *fakeTarget) snapshot() (int, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, append([]string(nil), f.positions...), append([]string(nil), f.finishes...)
}

type fakeArchiver struct {
	mu    sync.Mutex
	saves []string
}

func (f *fakeArchiver) SaveGame(_ context.Context, g *store.SessionDoc, result string) error {
	f.mu.Lock()
	f.saves = append(f.saves, g.ID+" "+result)
	f.mu.Unlock()
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil { t.Fatalf("miniredis: %v", err) }
	t.Cleanup(func() { mr.Close() })
	st, err := store.New(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil { t.Fatalf("store.New: %v", err) }
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st *store.Store) string {
	t.Helper()
	id, err := st.CreateSession(context.Background(), &store.SessionDoc{
		Variant:       "standard",
		TimeMode:      "blitz (5 minutes)",
		Player1ID:     "alice",
		Player1Color:  "white",
		Player1Rating: 400,
	})
	if err != nil { t.Fatalf("seed session: %v", err) }
	return id
}

func TestDispatchRaisesOneEventEach(t *testing.T) {
	st := newTestStore(t)
	a := NewAdapter(st, nil, "alice")
	target := &fakeTarget{}
	ctx := context.Background()

	base := &store.SessionDoc{ID: "s1", Player1ID: "alice", Player1Color: "white"}
	a.dispatch(ctx, target, base)

	joined := base.Clone()
	joined.Player2ID = "bob"
	joined.Player2Color = "black"
	a.dispatch(ctx, target, joined)

	moved := joined.Clone()
	moved.Position = "pos-1"
	a.dispatch(ctx, target, moved)

	done := moved.Clone()
	done.Finished = true
	done.FinishCause = "1-0 checkmate"
	a.dispatch(ctx, target, done)
	// finish redelivery raises nothing
	a.dispatch(ctx, target, done.Clone())

	joins, positions, finishes := target.snapshot()
	if joins != 1 { t.Fatalf("joins = %d, want 1", joins) }
	if len(positions) != 1 || positions[0] != "pos-1" {
		t.Fatalf("positions = %v", positions)
	}
	if len(finishes) != 1 || finishes[0] != "1-0 checkmate" {
		t.Fatalf("finishes = %v", finishes)
	}
}

func TestOwnWriteEchoSuppressed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, st)
	if _, err := st.UpdateSession(ctx, id, func(d *store.SessionDoc) error {
		d.Player2ID = "bob"
		d.Player2Color = "black"
		return nil
	}); err != nil { t.Fatalf("join: %v", err) }

	a := NewAdapter(st, nil, "alice")
	target := &fakeTarget{}

	sub, err := st.Subscribe(ctx, id)
	if err != nil { t.Fatalf("subscribe: %v", err) }
	defer sub.Close()
	a.Attach(ctx, target, sub)

	if err := a.PublishPosition(ctx, id, "pos-after-e4", "e2e4"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// the echo of our own write comes back over the subscription; give the
	// pump a moment and verify it raised nothing
	time.Sleep(300 * time.Millisecond)
	_, positions, _ := target.snapshot()
	if len(positions) != 0 {
		t.Fatalf("own write echoed into session: %v", positions)
	}

	doc, _ := st.GetSession(ctx, id)
	if doc.Position != "pos-after-e4" || len(doc.MovesUCI) != 1 || doc.MovesUCI[0] != "e2e4" {
		t.Fatalf("write not persisted: %+v", doc)
	}
}

func TestRemoteWriteDispatched(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, st)

	a := NewAdapter(st, nil, "alice")
	target := &fakeTarget{}
	sub, err := st.Subscribe(ctx, id)
	if err != nil { t.Fatalf("subscribe: %v", err) }
	defer sub.Close()
	a.Attach(ctx, target, sub)

	// a write from the other participant, not through this adapter
	other := NewAdapter(st, nil, "bob")
	if err := other.PublishPosition(ctx, id, "pos-remote", "e7e5"); err != nil {
		t.Fatalf("remote publish: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		_, positions, _ := target.snapshot()
		if len(positions) == 1 && positions[0] == "pos-remote" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("remote position never dispatched: %v", positions)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSettleExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, st)

	if _, err := st.CreatePlayer(ctx, "alice"); err != nil { t.Fatalf("player: %v", err) }
	if _, err := st.CreatePlayer(ctx, "bob"); err != nil { t.Fatalf("player: %v", err) }
	if _, err := st.UpdateSession(ctx, id, func(d *store.SessionDoc) error {
		d.Player2ID = "bob"
		d.Player2Color = "black"
		d.Player2Rating = 400
		d.Finished = true
		d.FinishCause = "1-0 checkmate"
		return nil
	}); err != nil { t.Fatalf("finish: %v", err) }

	arch := &fakeArchiver{}
	a := NewAdapter(st, arch, "alice")
	won := true
	if err := a.Settle(ctx, id, &won); err != nil { t.Fatalf("settle: %v", err) }
	// the other side settles too; the flag makes it a no-op
	b := NewAdapter(st, arch, "bob")
	lost := false
	if err := b.Settle(ctx, id, &lost); err != nil { t.Fatalf("second settle: %v", err) }

	alice, _ := st.GetPlayer(ctx, "alice")
	bob, _ := st.GetPlayer(ctx, "bob")
	wantWinner := 400 + float64(rating.DefaultK)*0.5
	if math.Abs(alice.Rating-wantWinner) > 1e-9 {
		t.Fatalf("winner rating = %v, want %v", alice.Rating, wantWinner)
	}
	if alice.GamesPlayed != 1 || alice.GamesWon != 1 || bob.GamesLost != 1 {
		t.Fatalf("counters wrong: alice=%+v bob=%+v", alice, bob)
	}
	if bob.GamesPlayed != 1 {
		t.Fatalf("second settle applied side effects: %+v", bob)
	}

	arch.mu.Lock()
	saves := len(arch.saves)
	arch.mu.Unlock()
	if saves != 1 { t.Fatalf("archived %d times, want 1", saves) }
}

func TestSettleUndecidedTouchesCountsOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, st)
	if _, err := st.CreatePlayer(ctx, "alice"); err != nil { t.Fatalf("player: %v", err) }
	if _, err := st.CreatePlayer(ctx, "bob"); err != nil { t.Fatalf("player: %v", err) }
	if _, err := st.UpdateSession(ctx, id, func(d *store.SessionDoc) error {
		d.Player2ID = "bob"
		d.Player2Color = "black"
		d.Finished = true
		d.FinishCause = "abandoned"
		return nil
	}); err != nil { t.Fatalf("finish: %v", err) }

	a := NewAdapter(st, nil, "alice")
	if err := a.Settle(ctx, id, nil); err != nil { t.Fatalf("settle: %v", err) }

	alice, _ := st.GetPlayer(ctx, "alice")
	if alice.GamesPlayed != 1 || alice.Rating != rating.InitialRating || alice.GamesWon != 0 {
		t.Fatalf("undecided settlement moved rating: %+v", alice)
	}
}

func TestSettleRequiresFinished(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, st)

	a := NewAdapter(st, nil, "alice")
	if err := a.Settle(ctx, id, nil); err == nil {
		t.Fatalf("settling an unfinished game must fail")
	}
}
