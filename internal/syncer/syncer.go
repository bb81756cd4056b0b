// Package syncer bridges a session and the shared store in both directions.
// Inbound, it turns raw change notifications into exactly one session event
// each (opponent joined, position changed, finished), suppressing echoes of
// this process's own writes by value equality. Outbound, it implements the
// session's Publisher and Settler: local transitions are written back to the
// store, and settlement runs at most once per game guarded by a one-shot
// flag on the document itself.
package syncer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/emerald-apps/fairychess-go/internal/obslog"
	"github.com/emerald-apps/fairychess-go/internal/rating"
	"github.com/emerald-apps/fairychess-go/internal/store"
	"github.com/emerald-apps/fairychess-go/pkg/gamedto"
)

// Target is the session-side surface the adapter drives. *session.Session
// satisfies it.
type Target interface {
	OnOpponentJoined(doc *store.SessionDoc)
	ApplyRemotePosition(ctx context.Context, newPosition string) error
	OnRemoteFinish(ctx context.Context, cause string)
}

// GameArchiver stores finished games durably. Nil-able.
type GameArchiver interface {
	SaveGame(ctx context.Context, g *store.SessionDoc, result string) error
}

var (
	errAlreadySettled = errors.New("game already settled")
	errNotFinished    = errors.New("game not finished")
)

type Adapter struct {
	store       *store.Store
	archiver    GameArchiver
	localPlayer string

	mu   sync.Mutex
	last *store.SessionDoc
}

func NewAdapter(st *store.Store, archiver GameArchiver, localPlayer string) *Adapter {
	return &Adapter{store: st, archiver: archiver, localPlayer: localPlayer}
}

// Attach consumes the subscription until it closes, raising one session
// event per observed change. The subscription's Close ends the pump.
func (a *Adapter) Attach(ctx context.Context, target Target, sub *store.Subscription) {
	go func() {
		for doc := range sub.C {
			a.dispatch(ctx, target, doc)
		}
	}()
}

// dispatch diffs the incoming document against the last one seen and raises
// at most one event: finish beats join beats position. A document equal to
// the last seen state is an echo and raises nothing.
func (a *Adapter) dispatch(ctx context.Context, target Target, doc *store.SessionDoc) {
	a.mu.Lock()
	last := a.last
	a.last = doc
	a.mu.Unlock()

	switch {
	case doc.Finished:
		if last == nil || !last.Finished {
			target.OnRemoteFinish(ctx, doc.FinishCause)
		}
	case doc.Player2ID != "" && (last == nil || last.Player2ID == ""):
		target.OnOpponentJoined(doc)
	case doc.Position != "" && (last == nil || doc.Position != last.Position):
		if err := target.ApplyRemotePosition(ctx, doc.Position); err != nil {
			obslog.L().Warn("sync_apply_remote_error",
				zap.String("session_id", doc.ID), zap.Error(err))
		}
	default:
		// echo of our own write, or a no-op redelivery
	}
}

// markSeen records our own write so its echo is recognized.
func (a *Adapter) markSeen(doc *store.SessionDoc) {
	if doc == nil {
		return
	}
	a.mu.Lock()
	a.last = doc
	a.mu.Unlock()
}

// PublishPosition writes a local move's resulting position and appends the
// move to the stored move list.
func (a *Adapter) PublishPosition(ctx context.Context, sessionID, position, moveUCI string) error {
	doc, err := a.store.UpdateSession(ctx, sessionID, func(d *store.SessionDoc) error {
		d.Position = position
		if moveUCI != "" {
			d.MovesUCI = append(d.MovesUCI, moveUCI)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.markSeen(doc)
	return nil
}

// PublishFinish marks the session finished. Already-finished documents pass
// through unchanged; the flag is monotonic either way.
func (a *Adapter) PublishFinish(ctx context.Context, sessionID, cause string) error {
	doc, err := a.store.UpdateSession(ctx, sessionID, func(d *store.SessionDoc) error {
		if d.Finished {
			return nil
		}
		d.Finished = true
		d.FinishCause = cause
		return nil
	})
	if err != nil {
		return err
	}
	a.markSeen(doc)
	return nil
}

// Settle updates both players' ratings and archives the game. The settled
// flag on the document is claimed with a conditional write, so of two racing
// settlers exactly one applies side effects; the loser's call returns nil
// and does nothing.
func (a *Adapter) Settle(ctx context.Context, sessionID string, localWon *bool) error {
	doc, err := a.store.UpdateSession(ctx, sessionID, func(d *store.SessionDoc) error {
		if !d.Finished {
			return errNotFinished
		}
		if d.Settled {
			return errAlreadySettled
		}
		d.Settled = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadySettled) {
			obslog.L().Info("settlement_already_done", zap.String("session_id", sessionID))
			return nil
		}
		return err
	}
	a.markSeen(doc)

	opponent := doc.Player2ID
	if a.localPlayer == doc.Player2ID {
		opponent = doc.Player1ID
	}

	result, err := a.applyRatings(ctx, doc, a.localPlayer, opponent, localWon)
	if err != nil {
		return err
	}
	obslog.L().Info("settlement_done",
		zap.String("session_id", sessionID),
		zap.Float64("local_rating", result.NewRatingA),
		zap.Float64("opponent_rating", result.NewRatingB),
	)

	if a.archiver != nil {
		token := a.resultToken(doc, localWon)
		if err := a.archiver.SaveGame(ctx, doc, token); err != nil {
			obslog.L().Warn("archive_save_error", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// applyRatings loads both rating records, runs the rating update, and writes
// the records back. An opponent who never materialized (cancel pre-join)
// leaves only the local play count touched.
func (a *Adapter) applyRatings(ctx context.Context, doc *store.SessionDoc, local, opponent string, localWon *bool) (*gamedto.MatchResult, error) {
	localDoc, err := a.store.GetPlayer(ctx, local)
	if err != nil {
		return nil, err
	}
	if localDoc == nil {
		return nil, store.ErrNotFound
	}

	var oppDoc *store.PlayerDoc
	if opponent != "" {
		oppDoc, err = a.store.GetPlayer(ctx, opponent)
		if err != nil {
			return nil, err
		}
	}

	localStats := statsFrom(localDoc)
	oppStats := rating.Stats{Rating: rating.InitialRating}
	if oppDoc != nil {
		oppStats = statsFrom(oppDoc)
	}
	rating.ApplyOutcome(&localStats, &oppStats, localWon)

	if _, err := a.store.UpdatePlayer(ctx, local, func(d *store.PlayerDoc) error {
		applyStats(d, localStats)
		return nil
	}); err != nil {
		return nil, err
	}
	if oppDoc != nil {
		if _, err := a.store.UpdatePlayer(ctx, opponent, func(d *store.PlayerDoc) error {
			applyStats(d, oppStats)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	res := &gamedto.MatchResult{
		SessionID:  doc.ID,
		Draw:       localWon == nil,
		NewRatingA: localStats.Rating,
		NewRatingB: oppStats.Rating,
	}
	if localWon != nil {
		if *localWon {
			res.WinnerID, res.LoserID = local, opponent
		} else {
			res.WinnerID, res.LoserID = opponent, local
		}
	}
	return res, nil
}

// resultToken prefers the result embedded in the finish cause and falls
// back to mapping the local outcome onto board colors.
func (a *Adapter) resultToken(doc *store.SessionDoc, localWon *bool) string {
	if tok := resultPrefix(doc.FinishCause); tok != "" {
		return tok
	}
	if localWon == nil {
		return "*"
	}
	localColor := doc.Player1Color
	if a.localPlayer == doc.Player2ID {
		localColor = doc.Player2Color
	}
	whiteWon := (localColor == "white") == *localWon
	if whiteWon {
		return "1-0"
	}
	return "0-1"
}

func resultPrefix(cause string) string {
	for _, tok := range []string{"1/2-1/2", "1-0", "0-1"} {
		if len(cause) >= len(tok) && cause[:len(tok)] == tok {
			return tok
		}
	}
	return ""
}

func statsFrom(d *store.PlayerDoc) rating.Stats {
	return rating.Stats{
		GamesPlayed: d.GamesPlayed,
		GamesWon:    d.GamesWon,
		GamesLost:   d.GamesLost,
		Rating:      d.Rating,
	}
}

func applyStats(d *store.PlayerDoc, s rating.Stats) {
	d.GamesPlayed = s.GamesPlayed
	d.GamesWon = s.GamesWon
	d.GamesLost = s.GamesLost
	d.Rating = s.Rating
}
