// Package session implements the per-game state machine. One Session owns
// the Local Game View for a single game and serializes the three event
// sources that mutate it: local player input, remote change notifications,
// and clock callbacks. Oracle calls run off the serialization point; their
// results carry the epoch they answered and are discarded when stale.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emerald-apps/fairychess-go/internal/clock"
	"github.com/emerald-apps/fairychess-go/internal/obslog"
	"github.com/emerald-apps/fairychess-go/internal/oracle"
	"github.com/emerald-apps/fairychess-go/internal/store"
	"github.com/emerald-apps/fairychess-go/pkg/gamedto"
)

// State is the session lifecycle phase.
type State int

const (
	Searching State = iota
	WaitingForOpponent
	InProgress
	Finished
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case WaitingForOpponent:
		return "waiting_for_opponent"
	case InProgress:
		return "in_progress"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// EventKind enumerates the notifications a session raises to its consumer.
type EventKind int

const (
	EventSecondPlayerJoined EventKind = iota
	EventPositionChanged
	EventGameFinished
	EventClockTick
	EventClockExpired
	EventIllegalMove
	EventPromotionRequired
)

// Event is one notification. Only the fields relevant to the Kind are set.
type Event struct {
	Kind      EventKind
	Position  string
	Cause     string
	PlayerWon *bool // nil = drawn or undecided
	Clock     clock.Color
	Remaining time.Duration
	// Coordinate is the target square awaiting a promotion choice.
	Coordinate string
}

// MoveOutcome reports what AttemptMove did. Exactly one flag is set.
type MoveOutcome struct {
	Applied          bool
	Illegal          bool
	PromotionPending bool
	NewPosition      string
}

// ErrOracleUnavailable wraps an oracle failure. Legality that cannot be
// confirmed means the move is rejected, never optimistically applied.
var ErrOracleUnavailable = errors.New("oracle unavailable")

// ErrNotLive is returned for operations on a closed or finished session.
var ErrNotLive = errors.New("session is not live")

// ErrSuperseded reports a local move that lost to a remote write while the
// oracle was being consulted. The game continues; the input can be retried
// against the new position.
var ErrSuperseded = errors.New("position superseded by a remote write")

// Publisher writes local state transitions back to the shared store.
type Publisher interface {
	PublishPosition(ctx context.Context, sessionID, position, moveUCI string) error
	PublishFinish(ctx context.Context, sessionID, cause string) error
}

// Settler settles ratings exactly once per game. localWon follows the
// local player's perspective; nil means undecided or drawn.
type Settler interface {
	Settle(ctx context.Context, sessionID string, localWon *bool) error
}

// Config carries everything a Session needs at construction.
type Config struct {
	Doc           *store.SessionDoc
	LocalPlayerID string
	Oracle        oracle.Client
	Publisher     Publisher
	Settler       Settler
	OracleDepth   int
	OracleBudget  time.Duration
	EventBuffer   int
}

type Session struct {
	mu sync.Mutex
	// epoch increments on every applied state change; async oracle results
	// are tagged with the epoch they answered and dropped when it moved on.
	epoch  uint64
	closed bool

	id         string
	variant    string
	timeMode   string
	localID    string
	localColor clock.Color
	opponentID string

	state         State
	position      string
	moveCount     int
	capturedCount int
	activeColor   clock.Color

	promoFrom string
	promoTo   string

	clocks *clock.Pair

	orc       oracle.Client
	publisher Publisher
	settler   Settler
	depth     int
	budget    time.Duration

	settledLocal bool

	events chan Event
}

// New builds a session around an existing store document. The local player
// must be one of the two seats; a creator whose opponent seat is still empty
// starts in WaitingForOpponent, a joiner goes straight to InProgress.
func New(cfg Config) (*Session, error) {
	doc := cfg.Doc
	if doc == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("session config incomplete")
	}
	var localColor clock.Color
	var opponentID string
	switch cfg.LocalPlayerID {
	case doc.Player1ID:
		localColor = clock.Color(doc.Player1Color)
		opponentID = doc.Player2ID
	case doc.Player2ID:
		localColor = clock.Color(doc.Player2Color)
		opponentID = doc.Player1ID
	default:
		return nil, fmt.Errorf("player %q is not part of session %s", cfg.LocalPlayerID, doc.ID)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if cfg.OracleDepth <= 0 {
		cfg.OracleDepth = 2
	}
	if cfg.OracleBudget <= 0 {
		cfg.OracleBudget = 3 * time.Second
	}

	s := &Session{
		id:         doc.ID,
		variant:    doc.Variant,
		timeMode:   doc.TimeMode,
		localID:    cfg.LocalPlayerID,
		localColor: localColor,
		opponentID: opponentID,
		orc:        cfg.Oracle,
		publisher:  cfg.Publisher,
		settler:    cfg.Settler,
		depth:      cfg.OracleDepth,
		budget:     cfg.OracleBudget,
		events:     make(chan Event, cfg.EventBuffer),
	}
	if err := s.loadViewLocked(doc.Position); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrBadPosition, err)
	}

	switch {
	case doc.Finished:
		s.state = Finished
	case doc.Player2ID == "":
		s.state = WaitingForOpponent
	default:
		s.state = InProgress
		s.startClocksLocked()
	}
	obslog.L().Info("session_open",
		zap.String("session_id", s.id),
		zap.String("state", s.state.String()),
		zap.String("local_color", string(localColor)),
	)
	return s, nil
}

// Events is the notification stream. Slow consumers lose events rather than
// blocking the game.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalColor() clock.Color { return s.localColor }

// ActiveColor is the side to move in the current Local Game View.
func (s *Session) ActiveColor() clock.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeColor
}

// View snapshots the Local Game View for rendering.
func (s *Session) View() gamedto.GameView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := gamedto.GameView{
		Position:      s.position,
		ActiveColor:   string(s.activeColor),
		MoveCount:     s.moveCount,
		CapturedCount: s.capturedCount,
	}
	if s.clocks != nil {
		v.WhiteRemain = s.clocks.Remaining(clock.White)
		v.BlackRemain = s.clocks.Remaining(clock.Black)
	}
	return v
}

// OnOpponentJoined moves a waiting session to InProgress and starts the
// clocks. Repeat notifications for the same join are no-ops.
func (s *Session) OnOpponentJoined(doc *store.SessionDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != WaitingForOpponent || doc == nil || doc.Player2ID == "" {
		return
	}
	s.opponentID = doc.Player2ID
	s.variant = doc.Variant
	s.timeMode = doc.TimeMode
	s.state = InProgress
	s.epoch++
	s.startClocksLocked()
	s.emitLocked(Event{Kind: EventSecondPlayerJoined})
	obslog.L().Info("session_opponent_joined",
		zap.String("session_id", s.id),
		zap.String("opponent_id", s.opponentID),
	)
}

// AttemptMove validates and applies a local move. Wrong state, wrong turn
// and illegal moves are rejected inputs, not errors; only an oracle failure
// is an error, and it always means rejection.
func (s *Session) AttemptMove(ctx context.Context, sourceSquare, targetSquare string) (MoveOutcome, error) {
	move := strings.ToLower(strings.TrimSpace(sourceSquare) + strings.TrimSpace(targetSquare))

	s.mu.Lock()
	if s.closed || s.state != InProgress {
		s.mu.Unlock()
		return MoveOutcome{}, ErrNotLive
	}
	if s.activeColor != s.localColor || s.promoFrom != "" {
		s.emitLocked(Event{Kind: EventIllegalMove})
		s.mu.Unlock()
		return MoveOutcome{Illegal: true}, nil
	}
	position := s.position
	epoch := s.epoch
	s.mu.Unlock()

	legal, err := s.orc.IsLegalMove(ctx, s.variant, position, move)
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if !legal {
		// a pawn reaching the last rank is only legal with a promotion
		// suffix; detect that case and ask the player to choose
		promo, perr := s.orc.IsLegalMove(ctx, s.variant, position, move+"q")
		if perr == nil && promo {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return MoveOutcome{}, ErrNotLive
			}
			if s.epoch != epoch {
				return MoveOutcome{}, ErrSuperseded
			}
			s.promoFrom = strings.ToLower(strings.TrimSpace(sourceSquare))
			s.promoTo = strings.ToLower(strings.TrimSpace(targetSquare))
			s.emitLocked(Event{Kind: EventPromotionRequired, Coordinate: s.promoTo})
			return MoveOutcome{PromotionPending: true}, nil
		}
		s.mu.Lock()
		s.emitLocked(Event{Kind: EventIllegalMove})
		s.mu.Unlock()
		return MoveOutcome{Illegal: true}, nil
	}

	return s.applyLocalMove(ctx, epoch, position, move)
}

// ResolvePromotion completes a pending promotion with the chosen piece
// letter (q, r, b, n).
func (s *Session) ResolvePromotion(ctx context.Context, choice string) (MoveOutcome, error) {
	choice = strings.ToLower(strings.TrimSpace(choice))
	switch choice {
	case "q", "r", "b", "n":
	default:
		return MoveOutcome{Illegal: true}, nil
	}

	s.mu.Lock()
	if s.closed || s.state != InProgress {
		s.mu.Unlock()
		return MoveOutcome{}, ErrNotLive
	}
	if s.promoFrom == "" {
		s.mu.Unlock()
		return MoveOutcome{Illegal: true}, nil
	}
	move := s.promoFrom + s.promoTo + choice
	position := s.position
	epoch := s.epoch
	s.mu.Unlock()

	legal, err := s.orc.IsLegalMove(ctx, s.variant, position, move)
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if !legal {
		s.mu.Lock()
		s.promoFrom, s.promoTo = "", ""
		s.emitLocked(Event{Kind: EventIllegalMove})
		s.mu.Unlock()
		return MoveOutcome{Illegal: true}, nil
	}
	out, err := s.applyLocalMove(ctx, epoch, position, move)
	if out.Applied {
		s.mu.Lock()
		s.promoFrom, s.promoTo = "", ""
		s.mu.Unlock()
	}
	return out, err
}

// applyLocalMove runs the oracle apply/capture calls off the lock, then
// re-validates the epoch before committing, persisting and checking for a
// terminal position.
func (s *Session) applyLocalMove(ctx context.Context, epoch uint64, position, move string) (MoveOutcome, error) {
	captured, err := s.orc.IsCapture(ctx, s.variant, position, move)
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	newPos, err := s.orc.ApplyMove(ctx, s.variant, position, []string{move})
	if err != nil {
		return MoveOutcome{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	s.mu.Lock()
	if s.closed || s.state != InProgress {
		s.mu.Unlock()
		return MoveOutcome{}, ErrNotLive
	}
	if s.epoch != epoch {
		s.mu.Unlock()
		return MoveOutcome{}, ErrSuperseded
	}
	s.position = newPos
	s.moveCount++
	if captured {
		s.capturedCount++
	}
	s.activeColor = Opposite(s.activeColor)
	s.epoch++
	if s.clocks != nil {
		s.clocks.SwitchActive(s.activeColor)
	}
	s.emitLocked(Event{Kind: EventPositionChanged, Position: newPos})
	s.mu.Unlock()

	if s.publisher != nil {
		if perr := s.publisher.PublishPosition(ctx, s.id, newPos, move); perr != nil {
			obslog.L().Warn("session_publish_position_error",
				zap.String("session_id", s.id), zap.Error(perr))
		}
	}
	s.checkTerminationAfterMove(ctx, newPos)
	return MoveOutcome{Applied: true, NewPosition: newPos}, nil
}

// ApplyRemotePosition replaces the Local Game View with a remotely written
// position. Re-applying the current position is a no-op, which absorbs
// at-least-once delivery and echoes of our own writes. A position that does
// not parse is rejected with ErrBadPosition and changes nothing; treating
// corrupt state as a fresh board would silently destroy game history.
func (s *Session) ApplyRemotePosition(ctx context.Context, newPosition string) error {
	s.mu.Lock()
	if s.closed || s.state == Finished {
		s.mu.Unlock()
		return nil
	}
	if newPosition == "" || newPosition == s.position {
		s.mu.Unlock()
		return nil
	}
	if err := s.loadViewLocked(newPosition); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", oracle.ErrBadPosition, err)
	}
	s.promoFrom, s.promoTo = "", ""
	s.epoch++
	if s.clocks != nil {
		s.clocks.SwitchActive(s.activeColor)
	}
	s.emitLocked(Event{Kind: EventPositionChanged, Position: newPosition})
	s.mu.Unlock()

	s.checkTerminationAfterMove(ctx, newPosition)
	return nil
}

// CheckTermination asks the oracle whether the current position is terminal
// and, if so, finishes the session. The empty string means play continues.
func (s *Session) CheckTermination(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed || s.state != InProgress {
		s.mu.Unlock()
		return "", nil
	}
	position := s.position
	s.mu.Unlock()

	result, err := s.orc.TerminalResult(ctx, s.variant, position)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if result == "" {
		return "", nil
	}
	s.finish(ctx, result, s.classifyResult(result), true, true)
	return result, nil
}

func (s *Session) checkTerminationAfterMove(ctx context.Context, position string) {
	if _, err := s.CheckTermination(ctx); err != nil {
		obslog.L().Warn("session_termination_check_error",
			zap.String("session_id", s.id),
			zap.String("position", position),
			zap.Error(err))
	}
}

// RequestOracleMove asks the oracle for a best move asynchronously and
// applies it on arrival through the normal move path, without a legality
// pre-check. A result answering a superseded position is discarded.
func (s *Session) RequestOracleMove(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.state != InProgress {
		s.mu.Unlock()
		return
	}
	position := s.position
	epoch := s.epoch
	s.mu.Unlock()

	go func() {
		move, err := s.orc.BestMove(ctx, s.variant, position, s.depth, s.budget)
		if err != nil {
			obslog.L().Warn("oracle_move_error", zap.String("session_id", s.id), zap.Error(err))
			return
		}
		s.mu.Lock()
		stale := s.closed || s.state != InProgress || s.epoch != epoch
		s.mu.Unlock()
		if stale {
			obslog.L().Debug("oracle_move_stale_discarded",
				zap.String("session_id", s.id), zap.String("move", move))
			return
		}
		if _, err := s.applyLocalMove(ctx, epoch, position, move); err != nil &&
			!errors.Is(err, ErrNotLive) && !errors.Is(err, ErrSuperseded) {
			obslog.L().Warn("oracle_move_apply_error", zap.String("session_id", s.id), zap.Error(err))
		}
	}()
}

// OnRemoteFinish handles a finish observed from the store. The remote side
// already wrote the document, so nothing is published back.
func (s *Session) OnRemoteFinish(ctx context.Context, cause string) {
	s.finish(ctx, cause, s.classifyResult(cause), false, true)
}

// Resign ends the game as a local loss. The published cause carries the
// result token so the remote side and the archive can classify it.
func (s *Session) Resign(ctx context.Context) error {
	s.mu.Lock()
	live := !s.closed && s.state == InProgress
	s.mu.Unlock()
	if !live {
		return ErrNotLive
	}
	won := false
	s.finish(ctx, resultFor(Opposite(s.localColor))+" resigned", &won, true, true)
	return nil
}

// Cancel abandons a session that never got an opponent. No game was played,
// so nothing is settled; only the store document is closed out.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	waiting := !s.closed && s.state == WaitingForOpponent
	s.mu.Unlock()
	if !waiting {
		return ErrNotLive
	}
	s.finish(ctx, "cancelled before join", nil, true, false)
	return nil
}

// finish transitions to Finished exactly once, cancels the clocks, emits the
// terminal event and, when publish is set, writes the finish back to the
// store. Rating settlement runs only when settle is set and only once; a
// game that never started must not touch player stats. Later calls are
// no-ops.
func (s *Session) finish(ctx context.Context, cause string, playerWon *bool, publish, settle bool) {
	s.mu.Lock()
	if s.closed || s.state == Finished {
		s.mu.Unlock()
		return
	}
	s.state = Finished
	s.epoch++
	if s.clocks != nil {
		s.clocks.CancelBoth()
	}
	settle = settle && !s.settledLocal
	s.settledLocal = true
	s.emitLocked(Event{Kind: EventGameFinished, Cause: cause, PlayerWon: playerWon})
	s.mu.Unlock()

	obslog.L().Info("session_finished",
		zap.String("session_id", s.id),
		zap.String("cause", cause),
	)
	if publish && s.publisher != nil {
		if err := s.publisher.PublishFinish(ctx, s.id, cause); err != nil {
			obslog.L().Warn("session_publish_finish_error",
				zap.String("session_id", s.id), zap.Error(err))
		}
	}
	if settle && s.settler != nil {
		if err := s.settler.Settle(ctx, s.id, playerWon); err != nil {
			obslog.L().Warn("session_settle_error",
				zap.String("session_id", s.id), zap.Error(err))
		}
	}
}

// Close tears the session down: clocks cancelled, event stream closed. A
// late oracle response after Close is discarded by the epoch/closed checks.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	if s.clocks != nil {
		s.clocks.CancelBoth()
	}
	close(s.events)
	s.mu.Unlock()
	obslog.L().Info("session_closed", zap.String("session_id", s.id))
}

// classifyResult maps a result string onto the local player's perspective.
// "1-0 ..." is a white win, "0-1 ..." a black win, anything else a draw or
// undecided outcome (nil).
func (s *Session) classifyResult(result string) *bool {
	var winner clock.Color
	switch {
	case strings.HasPrefix(result, "1-0"):
		winner = clock.White
	case strings.HasPrefix(result, "0-1"):
		winner = clock.Black
	default:
		return nil
	}
	won := winner == s.localColor
	return &won
}

func (s *Session) startClocksLocked() {
	preset, ok := clock.PresetFor(s.timeMode)
	if !ok {
		// unrecognized label: the game is untimed, no clocks at all
		obslog.L().Info("session_untimed", zap.String("session_id", s.id), zap.String("time_mode", s.timeMode))
		return
	}
	s.clocks = clock.NewPair(preset,
		func(which clock.Color, remaining time.Duration) {
			s.mu.Lock()
			if !s.closed && s.state == InProgress {
				s.emitLocked(Event{Kind: EventClockTick, Clock: which, Remaining: remaining})
			}
			s.mu.Unlock()
		},
		func(which clock.Color) {
			s.mu.Lock()
			live := !s.closed && s.state == InProgress
			if live {
				s.emitLocked(Event{Kind: EventClockExpired, Clock: which})
			}
			s.mu.Unlock()
			if live {
				won := which != s.localColor
				s.finish(context.Background(), resultFor(Opposite(which))+" time expired", &won, true, true)
			}
		},
	)
	s.clocks.SwitchActive(s.activeColor)
}

// loadViewLocked rebuilds every derived field from the serialized position
// alone; remote positions are never diffed incrementally. An unparseable
// position leaves the view untouched and is reported to the caller.
func (s *Session) loadViewLocked(position string) error {
	v, err := gamedto.DeriveView(position)
	if err != nil {
		return err
	}
	s.position = position
	s.activeColor = clock.Color(v.ActiveColor)
	s.moveCount = v.MoveCount
	s.capturedCount = v.CapturedCount
	return nil
}

func resultFor(winner clock.Color) string {
	if winner == clock.White {
		return "1-0"
	}
	return "0-1"
}

// Opposite flips a board color.
func Opposite(c clock.Color) clock.Color {
	if c == clock.White {
		return clock.Black
	}
	return clock.White
}

// emitLocked never blocks; a full consumer buffer drops the event.
func (s *Session) emitLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		obslog.L().Warn("session_event_dropped",
			zap.String("session_id", s.id),
			zap.Int("kind", int(ev.Kind)))
	}
}
