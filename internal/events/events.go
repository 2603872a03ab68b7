package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// BattleCompleted is handed to the rewards ledger when a battle reaches its
// terminal phase. Winner is empty for draws and void outcomes.
type BattleCompleted struct {
	BattleID     string   `json:"battleId"`
	Winner       string   `json:"winner,omitempty"`
	Reason       string   `json:"reason"`
	Participants []string `json:"participants"`
}

// BattleResult is the per-participant notification payload.
type BattleResult struct {
	BattleID    string `json:"battleId"`
	Participant string `json:"participant"`
	Outcome     string `json:"outcome"` // "won" | "lost" | "draw" | "void"
}

// Ledger consumes completed-battle events (external rewards system).
type Ledger interface {
	BattleCompleted(ctx context.Context, e BattleCompleted)
}

// Notifier consumes per-participant result events (external dispatcher).
type Notifier interface {
	BattleResult(ctx context.Context, e BattleResult)
}

// LogLedger logs ledger events instead of delivering them anywhere. It stands
// in for the external rewards service.
type LogLedger struct{}

func (LogLedger) BattleCompleted(_ context.Context, e BattleCompleted) {
	log.Info().Str("battleId", e.BattleID).Str("winner", e.Winner).
		Str("reason", e.Reason).Strs("participants", e.Participants).
		Msg("rewards: battle completed")
}

// LogNotifier logs notification events instead of dispatching them.
type LogNotifier struct{}

func (LogNotifier) BattleResult(_ context.Context, e BattleResult) {
	log.Info().Str("battleId", e.BattleID).Str("participant", e.Participant).
		Str("outcome", e.Outcome).Msg("notify: battle result")
}
