package battle

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Supervisor is the registry of live battle machines and the single routing
// point for participant commands. Battle creation and registration are one
// step under the lock, so a registered machine always exists for a created
// battle.
type Supervisor struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	byUser   map[string]string // userID -> live battle id

	deps Deps
}

func NewSupervisor(deps Deps) *Supervisor {
	if deps.Timings == (Timings{}) {
		deps.Timings = DefaultTimings()
	}
	return &Supervisor{
		machines: make(map[string]*Machine),
		byUser:   make(map[string]string),
		deps:     deps,
	}
}

// SetBroadcaster wires the realtime gateway in after construction, before
// any battle is created. The gateway needs the supervisor to route commands,
// so it cannot exist first.
func (s *Supervisor) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.Broadcast = b
}

// StartBattle atomically creates, registers, and starts a battle for the
// given slots. Humans already in a live battle are rejected.
func (s *Supervisor) StartBattle(slots [2]Participant) (*Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range slots {
		if !p.IsAI() {
			if _, busy := s.byUser[p.UserID]; busy {
				return nil, ErrAlreadyInBattle
			}
		}
	}
	b := &Battle{
		ID:        uuid.NewString(),
		Slots:     slots,
		Phase:     PhaseWaiting,
		CreatedAt: time.Now().UTC(),
	}
	m := newMachine(b, s.deps, s.release)
	s.machines[b.ID] = m
	for _, p := range slots {
		if !p.IsAI() {
			s.byUser[p.UserID] = b.ID
		}
	}
	log.Info().Str("battleId", b.ID).
		Str("slotA", slots[0].Label()).Str("slotB", slots[1].Label()).
		Msg("battle registered")
	return b, nil
}

// release frees the participants of a completed battle so they can start a
// new one; the machine stays registered until the sweep for late reconnects.
func (s *Supervisor) release(b *Battle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range b.Slots {
		if !p.IsAI() && s.byUser[p.UserID] == b.ID {
			delete(s.byUser, p.UserID)
		}
	}
}

func (s *Supervisor) get(battleID string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.machines[battleID]
	if m == nil {
		return nil, ErrBattleNotFound
	}
	return m, nil
}

// HasLiveBattle reports whether the user is bound to an unfinished battle.
func (s *Supervisor) HasLiveBattle(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUser[userID]
	return ok
}

// IsParticipant reports whether the user occupies a slot of a live battle.
func (s *Supervisor) IsParticipant(battleID, userID string) bool {
	m, err := s.get(battleID)
	if err != nil {
		return false
	}
	for _, p := range m.Participants() {
		if !p.IsAI() && p.UserID == userID {
			return true
		}
	}
	return false
}

// SubmitPrompt routes a submission to the battle's machine.
func (s *Supervisor) SubmitPrompt(ctx context.Context, battleID, userID, text string) error {
	m, err := s.get(battleID)
	if err != nil {
		return err
	}
	return m.Submit(ctx, userID, text)
}

// Forfeit routes a voluntary exit to the battle's machine.
func (s *Supervisor) Forfeit(battleID, userID string) error {
	m, err := s.get(battleID)
	if err != nil {
		return err
	}
	return m.Forfeit(userID)
}

// Snapshot returns the authoritative view of a live battle.
func (s *Supervisor) Snapshot(battleID, userID string) (Snapshot, error) {
	m, err := s.get(battleID)
	if err != nil {
		return Snapshot{}, err
	}
	return m.Snapshot(userID)
}

// Sweep evicts machines whose battle completed more than retention ago, and
// machines that never left their opening phases within abandonAfter. Returns
// the number of evicted machines.
func (s *Supervisor) Sweep(retention, abandonAfter time.Duration) int {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, m := range s.machines {
		done := m.CompletedAt()
		switch {
		case !done.IsZero() && now.Sub(done) > retention:
		case done.IsZero() && now.Sub(m.CreatedAt()) > abandonAfter:
			// battles are bounded by the sum of phase timeouts, so anything
			// this old is stuck or abandoned
		default:
			continue
		}
		m.Stop()
		delete(s.machines, id)
		for _, p := range m.Participants() {
			if !p.IsAI() && s.byUser[p.UserID] == id {
				delete(s.byUser, p.UserID)
			}
		}
		evicted++
		log.Info().Str("battleId", id).Msg("battle evicted")
	}
	return evicted
}

// StartSweeper runs Sweep on an interval. The returned function stops the
// scheduler.
func (s *Supervisor) StartSweeper(interval, retention, abandonAfter time.Duration, mm *Matchmaker) (func(), error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := s.Sweep(retention, abandonAfter); n > 0 {
				log.Info().Int("evicted", n).Msg("sweep")
			}
			if mm != nil {
				mm.ExpireStale(time.Now().UTC())
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	sched.Start()
	return func() { _ = sched.Shutdown() }, nil
}

// Live returns the number of registered machines, for tests and health
// output.
func (s *Supervisor) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}
