package battle

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Matchmaker creates battles: instantly against the AI opponent, or via a
// bounded-lifetime invitation between two humans. Battle creation always goes
// through the supervisor so no battle exists unregistered.
type Matchmaker struct {
	sup *Supervisor

	mu      sync.Mutex
	invites map[string]*MatchRequest
	byPair  map[[2]string]string // (inviter, invitee) -> open invite id
	ttl     time.Duration
}

func NewMatchmaker(sup *Supervisor, inviteTTL time.Duration) *Matchmaker {
	if inviteTTL <= 0 {
		inviteTTL = 5 * time.Minute
	}
	return &Matchmaker{
		sup:     sup,
		invites: make(map[string]*MatchRequest),
		byPair:  make(map[[2]string]string),
		ttl:     inviteTTL,
	}
}

// CreateAIBattle pairs the user against the AI opponent and starts the battle
// immediately.
func (mm *Matchmaker) CreateAIBattle(userID string) (*Battle, error) {
	b, err := mm.sup.StartBattle([2]Participant{Human(userID), AIOpponent()})
	if err != nil {
		return nil, err
	}
	log.Info().Str("battleId", b.ID).Str("user", userID).Msg("ai battle created")
	return b, nil
}

// CreateInvitation opens a pending match request. It is idempotent per
// (inviter, invitee) while an unexpired invite is open, and rejects inviters
// already bound to a live battle. Both slots must be distinct humans.
func (mm *Matchmaker) CreateInvitation(inviter, invitee string) (*MatchRequest, error) {
	if inviter == invitee {
		return nil, ErrSelfInvite
	}
	if mm.sup.HasLiveBattle(inviter) {
		return nil, ErrAlreadyInBattle
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	now := time.Now().UTC()
	pair := [2]string{inviter, invitee}
	if id, ok := mm.byPair[pair]; ok {
		req := mm.invites[id]
		if req != nil && req.Status == RequestPending && now.Before(req.ExpiresAt) {
			return req, nil
		}
	}
	req := &MatchRequest{
		ID:        uuid.NewString(),
		Inviter:   inviter,
		Invitee:   invitee,
		Status:    RequestPending,
		CreatedAt: now,
		ExpiresAt: now.Add(mm.ttl),
	}
	mm.invites[req.ID] = req
	mm.byPair[pair] = req.ID
	log.Info().Str("requestId", req.ID).Str("inviter", inviter).Str("invitee", invitee).Msg("invitation created")
	return req, nil
}

// AcceptInvitation resolves a pending request into a registered battle.
func (mm *Matchmaker) AcceptInvitation(invitee, requestID string) (*Battle, error) {
	mm.mu.Lock()
	req := mm.invites[requestID]
	if req == nil {
		mm.mu.Unlock()
		return nil, ErrInviteExpired
	}
	if req.Invitee != invitee {
		mm.mu.Unlock()
		return nil, ErrNotInvitee
	}
	now := time.Now().UTC()
	if req.Status == RequestExpired || now.After(req.ExpiresAt) {
		req.Status = RequestExpired
		mm.mu.Unlock()
		return nil, ErrInviteExpired
	}
	if req.Status != RequestPending {
		mm.mu.Unlock()
		return nil, ErrInviteResolved
	}
	// mark resolved before starting the battle so a racing accept loses
	req.Status = RequestAccepted
	mm.mu.Unlock()

	b, err := mm.sup.StartBattle([2]Participant{Human(req.Inviter), Human(req.Invitee)})
	if err != nil {
		mm.mu.Lock()
		req.Status = RequestPending
		mm.mu.Unlock()
		return nil, err
	}

	mm.mu.Lock()
	req.BattleID = b.ID
	delete(mm.byPair, [2]string{req.Inviter, req.Invitee})
	mm.mu.Unlock()
	log.Info().Str("requestId", requestID).Str("battleId", b.ID).Msg("invitation accepted")
	return b, nil
}

// Request looks up an invitation by id.
func (mm *Matchmaker) Request(requestID string) (*MatchRequest, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	req := mm.invites[requestID]
	if req == nil {
		return nil, false
	}
	cp := *req
	return &cp, true
}

// ExpireStale marks pending invites past their deadline as expired and drops
// resolved or expired invites from the index. Expired invites are never
// resurrected.
func (mm *Matchmaker) ExpireStale(now time.Time) int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	expired := 0
	for id, req := range mm.invites {
		if req.Status == RequestPending && now.After(req.ExpiresAt) {
			req.Status = RequestExpired
			delete(mm.byPair, [2]string{req.Inviter, req.Invitee})
			expired++
		}
		// keep tombstones for one ttl so accepts report Expired, then drop
		if req.Status != RequestPending && now.Sub(req.ExpiresAt) > mm.ttl {
			delete(mm.invites, id)
		}
	}
	return expired
}
