// Package oracle defines the move-oracle boundary: the capability the
// session core uses to validate moves, detect terminal positions and request
// computer moves. The core never implements game rules itself; it talks to a
// Client injected at construction time.
package oracle

import (
	"context"
	"errors"
	"time"
)

// Positions are serialized FEN strings. The empty string and "startpos" both
// denote the initial position. Moves are UCI ("e2e4", "e7e8q").

var (
	ErrUnsupportedVariant = errors.New("unsupported variant")
	// ErrBadPosition marks a stored position the oracle cannot parse. This is
	// surfaced, never defaulted: treating corrupt state as a fresh board
	// would silently destroy game history.
	ErrBadPosition = errors.New("unparseable position")
)

// Client is the full oracle contract. Calls are synchronous; callers that
// serialize game state must invoke them off the serialization point and
// re-validate against the current position before applying results.
type Client interface {
	// IsLegalMove reports whether move is legal in position. An illegal move
	// is (false, nil); a non-nil error means legality could not be confirmed
	// and the move must be rejected, never optimistically applied.
	IsLegalMove(ctx context.Context, variant, position, move string) (bool, error)
	// IsCapture reports whether move captures a piece (en passant included).
	IsCapture(ctx context.Context, variant, position, move string) (bool, error)
	// ApplyMove plays moves on top of position and returns the new position.
	ApplyMove(ctx context.Context, variant, position string, moves []string) (string, error)
	// TerminalResult returns "" while the game continues, otherwise a result
	// string such as "1-0 checkmate" or "1/2-1/2 stalemate".
	TerminalResult(ctx context.Context, variant, position string) (string, error)
	// BestMove searches position to depth within budget and returns a move.
	BestMove(ctx context.Context, variant, position string, depth int, budget time.Duration) (string, error)
}
