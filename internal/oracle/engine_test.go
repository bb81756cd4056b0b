package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIsLegalMove(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	ok, err := e.IsLegalMove(ctx, "standard", "", "e2e4")
	if err != nil || !ok { t.Fatalf("e2e4 from start: ok=%v err=%v", ok, err) }

	ok, err = e.IsLegalMove(ctx, "standard", "", "e2e5")
	if err != nil { t.Fatalf("illegal move returned error: %v", err) }
	if ok { t.Fatalf("e2e5 from start must be illegal") }

	ok, err = e.IsLegalMove(ctx, "standard", "", "")
	if err != nil || ok { t.Fatalf("empty move: ok=%v err=%v", ok, err) }
}

func TestUnsupportedVariant(t *testing.T) {
	e := NewEngine()
	_, err := e.IsLegalMove(context.Background(), "grasshopper chess", "", "e2e4")
	if !errors.Is(err, ErrUnsupportedVariant) {
		t.Fatalf("expected ErrUnsupportedVariant, got %v", err)
	}
}

func TestBadPositionSurfaced(t *testing.T) {
	e := NewEngine()
	_, err := e.TerminalResult(context.Background(), "standard", "not a fen at all")
	if !errors.Is(err, ErrBadPosition) {
		t.Fatalf("expected ErrBadPosition, got %v", err)
	}
}

func TestApplyMoveAndCapture(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	pos, err := e.ApplyMove(ctx, "standard", "", []string{"e2e4", "d7d5"})
	if err != nil { t.Fatalf("ApplyMove: %v", err) }
	if !strings.Contains(pos, " w ") {
		t.Fatalf("after two plies it is white to move, got %q", pos)
	}

	cap, err := e.IsCapture(ctx, "standard", pos, "e4d5")
	if err != nil || !cap { t.Fatalf("exd5 should capture: cap=%v err=%v", cap, err) }

	cap, err = e.IsCapture(ctx, "standard", pos, "b1c3")
	if err != nil || cap { t.Fatalf("Nc3 is quiet: cap=%v err=%v", cap, err) }
}

func TestTerminalResult(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	res, err := e.TerminalResult(ctx, "standard", "")
	if err != nil || res != "" { t.Fatalf("start position terminal: %q err=%v", res, err) }

	// fool's mate
	pos, err := e.ApplyMove(ctx, "standard", "", []string{"f2f3", "e7e5", "g2g4", "d8h4"})
	if err != nil { t.Fatalf("ApplyMove: %v", err) }
	res, err = e.TerminalResult(ctx, "standard", pos)
	if err != nil { t.Fatalf("TerminalResult: %v", err) }
	if !strings.HasPrefix(res, "0-1") {
		t.Fatalf("fool's mate result = %q, want 0-1 ...", res)
	}
}

func TestBestMoveIsLegal(t *testing.T) {
	e := NewEngine()
	e.SetRandomSeed(7)
	ctx := context.Background()

	mv, err := e.BestMove(ctx, "standard", "", 2, 2*time.Second)
	if err != nil { t.Fatalf("BestMove: %v", err) }
	ok, err := e.IsLegalMove(ctx, "standard", "", mv)
	if err != nil || !ok { t.Fatalf("best move %q not legal: ok=%v err=%v", mv, ok, err) }
}

func TestBestMoveTakesHangingQueen(t *testing.T) {
	e := NewEngine()
	e.SetRandomSeed(1)
	ctx := context.Background()

	// black queen hangs on d4, white knight on c2 can take it for free
	pos := "k7/8/8/8/3q4/8/2N4K/8 w - - 0 1"
	mv, err := e.BestMove(ctx, "standard", pos, 2, 2*time.Second)
	if err != nil { t.Fatalf("BestMove: %v", err) }
	cap, err := e.IsCapture(ctx, "standard", pos, mv)
	if err != nil { t.Fatalf("IsCapture: %v", err) }
	if !cap {
		t.Fatalf("expected a capture with a queen hanging, got %q", mv)
	}
}
