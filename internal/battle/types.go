package battle

import (
	"time"
)

type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseCountdown  Phase = "countdown"
	PhaseActive     Phase = "active"
	PhaseGenerating Phase = "generating"
	PhaseJudging    Phase = "judging"
	PhaseReveal     Phase = "reveal"
	PhaseComplete   Phase = "complete"
)

var phaseOrder = map[Phase]int{
	PhaseWaiting:    0,
	PhaseCountdown:  1,
	PhaseActive:     2,
	PhaseGenerating: 3,
	PhaseJudging:    4,
	PhaseReveal:     5,
	PhaseComplete:   6,
}

// Order returns the position of p in the forward phase sequence.
func (p Phase) Order() int { return phaseOrder[p] }

func (p Phase) Terminal() bool { return p == PhaseComplete }

// Outcome reasons attached to battle_complete.
const (
	ReasonScore        = "score"
	ReasonForfeit      = "forfeit"
	ReasonDraw         = "draw"
	ReasonDrawFallback = "draw_fallback"
	ReasonVoid         = "void"
)

type ParticipantKind string

const (
	KindHuman ParticipantKind = "human"
	KindAI    ParticipantKind = "ai"
)

// Participant is a tagged variant: a human user or the built-in AI opponent.
type Participant struct {
	Kind   ParticipantKind `json:"kind"`
	UserID string          `json:"userId,omitempty"`
}

func Human(userID string) Participant {
	return Participant{Kind: KindHuman, UserID: userID}
}

func AIOpponent() Participant {
	return Participant{Kind: KindAI}
}

func (p Participant) IsAI() bool { return p.Kind == KindAI }

// Label identifies a participant in event payloads: the user id for humans,
// "ai" for the AI opponent.
func (p Participant) Label() string {
	if p.IsAI() {
		return "ai"
	}
	return p.UserID
}

type Battle struct {
	ID             string         `json:"id"`
	Slots          [2]Participant `json:"slots"`
	Phase          Phase          `json:"phase"`
	PhaseEnteredAt time.Time      `json:"phaseEnteredAt"`
	Deadline       time.Time      `json:"deadline"`
	Winner         *Participant   `json:"winner,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Forfeited      [2]bool        `json:"forfeited"`
	CreatedAt      time.Time      `json:"createdAt"`
	CompletedAt    time.Time      `json:"completedAt,omitempty"`
}

// slotOf returns the slot index for the given user id, or -1. The AI opponent
// never submits through the public command surface.
func (b *Battle) slotOf(userID string) int {
	for i, p := range b.Slots {
		if !p.IsAI() && p.UserID == userID {
			return i
		}
	}
	return -1
}

func (b *Battle) aiSlot() int {
	for i, p := range b.Slots {
		if p.IsAI() {
			return i
		}
	}
	return -1
}

// Snapshot is the personalized resync view sent to a connecting or
// reconnecting participant. Opponent prompt content is never included.
type Snapshot struct {
	BattleID          string         `json:"battleId"`
	Phase             Phase          `json:"phase"`
	DeadlineAt        *time.Time     `json:"deadlineAt,omitempty"`
	Participants      []string       `json:"participants"`
	You               string         `json:"you,omitempty"`
	Submitted         bool           `json:"submitted"`
	OpponentSubmitted bool           `json:"opponentSubmitted"`
	Winner            *string        `json:"winner"`
	Reason            string         `json:"reason,omitempty"`
	Scores            map[string]int `json:"scores,omitempty"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestExpired  RequestStatus = "expired"
)

// MatchRequest is an open human-vs-human invitation.
type MatchRequest struct {
	ID        string        `json:"id"`
	Inviter   string        `json:"inviter"`
	Invitee   string        `json:"invitee"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	BattleID  string        `json:"battleId,omitempty"`
}
