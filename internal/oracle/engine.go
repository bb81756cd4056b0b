package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
)

// VariantStandard is the only rule set the built-in engine implements.
// Anything else must come from an external oracle behind the same Client.
const VariantStandard = "standard"

// Engine is the in-process oracle backed by the chess rules library. It is
// stateless per call; a game is reconstructed from the position string every
// time, so concurrent calls are safe.
type Engine struct {
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewEngine() *Engine {
	return &Engine{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// SetRandomSeed pins tie-breaking for tests.
func (e *Engine) SetRandomSeed(seed int64) {
	e.randMu.Lock()
	e.rand = rand.New(rand.NewSource(seed))
	e.randMu.Unlock()
}

func (e *Engine) IsLegalMove(_ context.Context, variant, position, move string) (bool, error) {
	game, err := gameFrom(variant, position)
	if err != nil { return false, err }
	uci := strings.ToLower(strings.TrimSpace(move))
	if uci == "" { return false, nil }
	// Decode validates against the position's legal moves.
	if _, derr := (nchess.UCINotation{}).Decode(game.Position(), uci); derr != nil {
		return false, nil
	}
	return true, nil
}

func (e *Engine) IsCapture(ctx context.Context, variant, position, move string) (bool, error) {
	before, err := gameFrom(variant, position)
	if err != nil { return false, err }
	after, err := e.ApplyMove(ctx, variant, position, []string{move})
	if err != nil { return false, err }
	return pieceCount(after) < pieceCount(before.FEN()), nil
}

func (e *Engine) ApplyMove(_ context.Context, variant, position string, moves []string) (string, error) {
	game, err := gameFrom(variant, position)
	if err != nil { return "", err }
	for _, mv := range moves {
		uci := strings.ToLower(strings.TrimSpace(mv))
		if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return "", fmt.Errorf("apply %q: %w", mv, err)
		}
	}
	return game.FEN(), nil
}

func (e *Engine) TerminalResult(_ context.Context, variant, position string) (string, error) {
	game, err := gameFrom(variant, position)
	if err != nil { return "", err }
	outcome := game.Outcome()
	if outcome == nchess.NoOutcome {
		return "", nil
	}
	return fmt.Sprintf("%s %s", outcome, strings.ToLower(game.Method().String())), nil
}

// BestMove runs a shallow fixed-depth negamax over material. Ties are broken
// at random so repeated games do not replay identically.
func (e *Engine) BestMove(ctx context.Context, variant, position string, depth int, budget time.Duration) (string, error) {
	game, err := gameFrom(variant, position)
	if err != nil { return "", err }
	if depth < 1 { depth = 1 }
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	moves := game.ValidMoves()
	if len(moves) == 0 {
		return "", fmt.Errorf("no legal moves in position")
	}
	e.randMu.Lock()
	e.rand.Shuffle(len(moves), func(i, j int) { moves[i], moves[j] = moves[j], moves[i] })
	e.randMu.Unlock()

	best, bestScore := "", -1<<30
	fen := game.FEN()
	for _, mv := range moves {
		if ctx.Err() != nil && best != "" {
			break
		}
		child, err := e.ApplyMove(ctx, variant, fen, []string{mv.String()})
		if err != nil { return "", err }
		score := -e.negamax(ctx, variant, child, depth-1)
		if score > bestScore {
			bestScore, best = score, mv.String()
		}
	}
	return best, nil
}

func (e *Engine) negamax(ctx context.Context, variant, position string, depth int) int {
	game, err := gameFrom(variant, position)
	if err != nil {
		return 0
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		// side to move has been mated
		return -100000
	case nchess.Draw:
		return 0
	}
	if depth <= 0 || ctx.Err() != nil {
		return materialScore(position)
	}
	fen := game.FEN()
	best := -1 << 30
	for _, mv := range game.ValidMoves() {
		child, err := e.ApplyMove(ctx, variant, fen, []string{mv.String()})
		if err != nil {
			continue
		}
		if score := -e.negamax(ctx, variant, child, depth-1); score > best {
			best = score
		}
	}
	if best == -1<<30 {
		return materialScore(position)
	}
	return best
}

func gameFrom(variant, position string) (*nchess.Game, error) {
	v := strings.ToLower(strings.TrimSpace(variant))
	if v != "" && v != VariantStandard {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, variant)
	}
	pos := strings.TrimSpace(position)
	if pos == "" || pos == "startpos" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return nchess.NewGame(opt), nil
}

var pieceValues = map[byte]int{
	'p': 1, 'n': 3, 'b': 3, 'r': 5, 'q': 9,
	'P': 1, 'N': 3, 'B': 3, 'R': 5, 'Q': 9,
}

// materialScore evaluates position from the side to move's perspective.
func materialScore(position string) int {
	fields := strings.Fields(position)
	if len(fields) < 2 {
		return 0
	}
	score := 0
	for i := 0; i < len(fields[0]); i++ {
		c := fields[0][i]
		v, ok := pieceValues[c]
		if !ok {
			continue
		}
		if c >= 'a' && c <= 'z' {
			score -= v
		} else {
			score += v
		}
	}
	if fields[1] == "b" {
		score = -score
	}
	return score
}

// pieceCount counts pieces on the board field of a FEN string.
func pieceCount(position string) int {
	fields := strings.Fields(position)
	if len(fields) == 0 {
		return 0
	}
	n := 0
	for i := 0; i < len(fields[0]); i++ {
		c := fields[0][i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			n++
		}
	}
	return n
}
