// Package rules 对局规则引擎，负责着法合法性与终局判定
package rules

import (
	"strings"

	"github.com/notnil/chess"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
)

// Side 行棋方
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// 终局原因
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonFivefoldRepetition   = "fivefold_repetition"
	ReasonSeventyFiveMoveRule  = "seventy_five_move_rule"
	ReasonDraw                 = "draw"
)

// MoveResult 着法应用结果
type MoveResult struct {
	Legal          bool
	SAN            string
	NewPosition    string
	IsTerminal     bool
	TerminalReason string
	// Winner 仅在将死时有值
	Winner Side
}

// Engine 规则引擎
type Engine interface {
	StartingPosition() string
	SideToMove(position string) (Side, error)
	ApplyMove(position, from, to, promotion string) (*MoveResult, error)
}

// ChessEngine 基于notnil/chess的国际象棋规则
type ChessEngine struct{}

// NewChessEngine 创建规则引擎
func NewChessEngine() *ChessEngine {
	return &ChessEngine{}
}

// StartingPosition 初始局面FEN
func (e *ChessEngine) StartingPosition() string {
	return chess.NewGame().Position().String()
}

// SideToMove 当前行棋方
func (e *ChessEngine) SideToMove(position string) (Side, error) {
	g, err := load(position)
	if err != nil {
		return "", err
	}
	return sideOf(g.Position().Turn()), nil
}

// ApplyMove 在给定局面上尝试走子，不合法时返回Legal=false且不报错
func (e *ChessEngine) ApplyMove(position, from, to, promotion string) (*MoveResult, error) {
	g, err := load(position)
	if err != nil {
		return nil, err
	}

	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))

	var picked *chess.Move
	for _, m := range g.ValidMoves() {
		if m.S1().String() != from || m.S2().String() != to {
			continue
		}
		promo := ""
		if m.Promo() != chess.NoPieceType {
			promo = m.Promo().String()
		}
		if promo != promotion {
			continue
		}
		picked = m
		break
	}
	if picked == nil {
		return &MoveResult{Legal: false}, nil
	}

	san := chess.AlgebraicNotation{}.Encode(g.Position(), picked)
	if err := g.Move(picked); err != nil {
		return &MoveResult{Legal: false}, nil
	}

	result := &MoveResult{
		Legal:       true,
		SAN:         san,
		NewPosition: g.Position().String(),
	}

	if g.Outcome() == chess.NoOutcome {
		return result, nil
	}

	result.IsTerminal = true
	result.TerminalReason = reasonOf(g.Method())
	switch g.Outcome() {
	case chess.WhiteWon:
		result.Winner = White
	case chess.BlackWon:
		result.Winner = Black
	}
	return result, nil
}

func load(position string) (*chess.Game, error) {
	opt, err := chess.FEN(position)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidParam, "局面格式错误")
	}
	return chess.NewGame(opt), nil
}

func sideOf(c chess.Color) Side {
	if c == chess.Black {
		return Black
	}
	return White
}

func reasonOf(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return ReasonCheckmate
	case chess.Stalemate:
		return ReasonStalemate
	case chess.InsufficientMaterial:
		return ReasonInsufficientMaterial
	case chess.FivefoldRepetition:
		return ReasonFivefoldRepetition
	case chess.SeventyFiveMoveRule:
		return ReasonSeventyFiveMoveRule
	default:
		return ReasonDraw
	}
}
