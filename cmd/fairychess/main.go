package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/emerald-apps/fairychess-go/internal/archive"
	appcfg "github.com/emerald-apps/fairychess-go/internal/config"
	"github.com/emerald-apps/fairychess-go/internal/match"
	"github.com/emerald-apps/fairychess-go/internal/obslog"
	"github.com/emerald-apps/fairychess-go/internal/oracle"
	"github.com/emerald-apps/fairychess-go/internal/session"
	"github.com/emerald-apps/fairychess-go/internal/store"
	"github.com/emerald-apps/fairychess-go/internal/syncer"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	st, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	defer st.Close()

	var arch *archive.Archive
	if cfg.DatabaseURL != "" {
		arch, err = archive.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer arch.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	matcher := match.NewService(st, cfg.FairnessHalfWidth, nil)
	player, err := matcher.EnsurePlayer(ctx, cfg.PlayerName)
	if err != nil {
		log.Fatalf("player init error: %v", err)
	}
	fmt.Printf("playing as %s (rating %.0f)\n", player.Name, player.Rating)

	doc, created, err := findOrCreate(ctx, matcher, st, cfg, player)
	if err != nil {
		log.Fatalf("matchmaking error: %v", err)
	}
	if created {
		fmt.Printf("session %s created, waiting for an opponent...\n", doc.ID)
	} else {
		fmt.Printf("joined session %s against %s\n", doc.ID, doc.Player1ID)
	}

	adapter := syncer.NewAdapter(st, archiverOrNil(arch), player.Name)
	sess, err := session.New(session.Config{
		Doc:           doc,
		LocalPlayerID: player.Name,
		Oracle:        oracle.NewEngine(),
		Publisher:     adapter,
		Settler:       adapter,
		OracleDepth:   cfg.OracleDepth,
		OracleBudget:  time.Duration(cfg.OracleBudgetMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("session init error: %v", err)
	}

	sub, err := st.Subscribe(ctx, doc.ID)
	if err != nil {
		log.Fatalf("subscribe error: %v", err)
	}
	adapter.Attach(ctx, sess, sub)

	go eventLoop(ctx, cfg, sess, stop)
	go inputLoop(ctx, sess)

	<-ctx.Done()
	// teardown order: subscription first, then the session and its clocks
	_ = sub.Close()
	sess.Close()
	matcher.Forget(doc.ID)
	obslog.L().Info("shutdown_complete", zap.String("session_id", doc.ID))
}

// findOrCreate tries a fair join first and falls back to creating a session.
// With the oracle opponent enabled no matchmaking happens at all; the local
// process plays both the human and the oracle.
func findOrCreate(ctx context.Context, matcher *match.Service, st *store.Store, cfg *appcfg.AppConfig, player *store.PlayerDoc) (*store.SessionDoc, bool, error) {
	if cfg.OracleOpponent {
		id, err := matcher.CreateSession(ctx, cfg.DefaultVariant, cfg.DefaultTimeMode, player.Name, player.Rating)
		if err != nil {
			return nil, false, err
		}
		doc, err := matcher.JoinSession(ctx, id, "oracle", player.Rating)
		return doc, false, err
	}

	candidates, err := matcher.SearchOpenSessions(ctx, cfg.DefaultVariant, cfg.DefaultTimeMode, player.Name)
	if err != nil {
		return nil, false, err
	}
	for _, c := range candidates {
		s := match.Summarize(c)
		fmt.Printf("open: %s by %s (%s, %s)\n", s.ID, s.Player1ID, s.Variant, s.TimeMode)
	}
	pick, err := matcher.PickFairSession(candidates, player.Rating)
	switch {
	case err == nil:
		doc, jerr := matcher.JoinSession(ctx, pick.ID, player.Name, player.Rating)
		if jerr == nil {
			return doc, false, nil
		}
		if !errors.Is(jerr, match.ErrSeatTaken) {
			return nil, false, jerr
		}
		// lost the join race, fall through to creating our own
	case errors.Is(err, match.ErrNoFairSession):
		fmt.Println("open sessions exist but none is a fair pairing; creating a new one")
	case errors.Is(err, match.ErrNoOpenSessions):
	default:
		return nil, false, err
	}

	id, err := matcher.CreateSession(ctx, cfg.DefaultVariant, cfg.DefaultTimeMode, player.Name, player.Rating)
	if err != nil {
		return nil, false, err
	}
	doc, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func eventLoop(ctx context.Context, cfg *appcfg.AppConfig, sess *session.Session, stop func()) {
	oracleTurn := func() {
		if cfg.OracleOpponent && session.Opposite(sess.LocalColor()) == sess.ActiveColor() {
			sess.RequestOracleMove(ctx)
		}
	}
	oracleTurn()
	for ev := range sess.Events() {
		switch ev.Kind {
		case session.EventSecondPlayerJoined:
			fmt.Println("opponent joined, game on")
		case session.EventPositionChanged:
			v := sess.View()
			fmt.Printf("move %d, %s to play\n", v.MoveCount, v.ActiveColor)
			oracleTurn()
		case session.EventIllegalMove:
			fmt.Println("illegal move")
		case session.EventPromotionRequired:
			fmt.Printf("promotion on %s: choose q, r, b or n\n", ev.Coordinate)
		case session.EventClockTick:
			if ev.Remaining <= 10*time.Second {
				fmt.Printf("%s clock: %ds left\n", ev.Clock, int(ev.Remaining.Seconds()))
			}
		case session.EventClockExpired:
			fmt.Printf("%s ran out of time\n", ev.Clock)
		case session.EventGameFinished:
			switch {
			case ev.PlayerWon == nil:
				fmt.Printf("game over: %s\n", ev.Cause)
			case *ev.PlayerWon:
				fmt.Printf("you won (%s)\n", ev.Cause)
			default:
				fmt.Printf("you lost (%s)\n", ev.Cause)
			}
			stop()
			return
		}
	}
}

// inputLoop reads moves as coordinate pairs ("e2e4"), single promotion
// letters, or the words "resign" and "quit".
func inputLoop(ctx context.Context, sess *session.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		switch {
		case line == "":
		case line == "quit":
			if err := sess.Cancel(ctx); err != nil && !errors.Is(err, session.ErrNotLive) {
				fmt.Printf("error: %v\n", err)
			}
			return
		case line == "resign":
			if err := sess.Resign(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case len(line) == 1:
			if _, err := sess.ResolvePromotion(ctx, line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case len(line) == 4:
			out, err := sess.AttemptMove(ctx, line[:2], line[2:])
			if errors.Is(err, session.ErrSuperseded) {
				fmt.Println("the position changed while validating; try again")
				continue
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if out.PromotionPending {
				fmt.Println("choose a promotion piece: q, r, b or n")
			}
		default:
			fmt.Println("enter a move like e2e4, or resign / quit")
		}
	}
}

func archiverOrNil(a *archive.Archive) syncer.GameArchiver {
	if a == nil {
		return nil
	}
	return a
}
