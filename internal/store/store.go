package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Submission is one participant's entry for one battle. At most one exists
// per (battle, slot); PutOnce is the only way to create one.
type Submission struct {
	BattleID    string         `json:"battleId"`
	Slot        int            `json:"slot"`
	Prompt      string         `json:"prompt"`
	ArtifactRef string         `json:"artifactRef,omitempty"`
	Scores      map[string]int `json:"scores,omitempty"`
	Forfeit     bool           `json:"forfeit"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// BattleRecord is the durable archive row for a battle, kept after the live
// instance is evicted so snapshots stay servable.
type BattleRecord struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	Phase        string    `json:"phase"`
	Winner       string    `json:"winner,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
}

// Store is the durable record of submissions and completed battles. PutOnce
// must be an atomic insert-if-absent: concurrent duplicate submissions are
// resolved here, not by callers.
type Store interface {
	// PutOnce stores the submission unless one already exists for
	// (battle, slot). Returns false when a record was already present.
	PutOnce(ctx context.Context, sub Submission) (bool, error)
	AttachArtifact(ctx context.Context, battleID string, slot int, ref string) error
	AttachScores(ctx context.Context, battleID string, slot int, scores map[string]int) error
	Get(ctx context.Context, battleID string, slot int) (*Submission, error)
	ListByBattle(ctx context.Context, battleID string) ([]Submission, error)

	SaveBattle(ctx context.Context, rec BattleRecord) error
	GetBattle(ctx context.Context, id string) (*BattleRecord, error)
}
