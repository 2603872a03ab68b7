package store

import (
	"context"
	"sync"
)

type subKey struct {
	battleID string
	slot     int
}

// Memory is the default in-process store. The mutex makes PutOnce an atomic
// check-and-insert so racing duplicate submissions resolve to one record.
type Memory struct {
	mu      sync.Mutex
	subs    map[subKey]*Submission
	battles map[string]*BattleRecord
}

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[subKey]*Submission),
		battles: make(map[string]*BattleRecord),
	}
}

func (m *Memory) PutOnce(_ context.Context, sub Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{sub.BattleID, sub.Slot}
	if _, exists := m.subs[k]; exists {
		return false, nil
	}
	cp := sub
	m.subs[k] = &cp
	return true, nil
}

func (m *Memory) AttachArtifact(_ context.Context, battleID string, slot int, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[subKey{battleID, slot}]
	if sub == nil {
		return ErrNotFound
	}
	sub.ArtifactRef = ref
	return nil
}

func (m *Memory) AttachScores(_ context.Context, battleID string, slot int, scores map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[subKey{battleID, slot}]
	if sub == nil {
		return ErrNotFound
	}
	sub.Scores = scores
	return nil
}

func (m *Memory) Get(_ context.Context, battleID string, slot int) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[subKey{battleID, slot}]
	if sub == nil {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) ListByBattle(_ context.Context, battleID string) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, 0, 2)
	for slot := 0; slot < 2; slot++ {
		if sub := m.subs[subKey{battleID, slot}]; sub != nil {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *Memory) SaveBattle(_ context.Context, rec BattleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.battles[rec.ID] = &cp
	return nil
}

func (m *Memory) GetBattle(_ context.Context, id string) (*BattleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.battles[id]
	if rec == nil {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
