package battle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/promptduel/promptduel/internal/ai"
	"github.com/promptduel/promptduel/internal/events"
	"github.com/promptduel/promptduel/internal/orchestrate"
	"github.com/promptduel/promptduel/internal/store"
)

var (
	ErrBattleNotFound   = errors.New("battle not found")
	ErrNotParticipant   = errors.New("not a participant")
	ErrWrongPhase       = errors.New("wrong phase for action")
	ErrAlreadySubmitted = errors.New("already submitted")
	ErrAlreadyInBattle  = errors.New("already in a live battle")
	ErrSelfInvite       = errors.New("cannot invite yourself")
	ErrInviteExpired    = errors.New("invitation expired")
	ErrInviteResolved   = errors.New("invitation already resolved")
	ErrNotInvitee       = errors.New("not the invited user")
	ErrBattleStopped    = errors.New("battle no longer live")
)

// fallbackAIPrompt is the AI opponent's deterministic submission when the
// prompt writer fails — the battle proceeds either way.
const fallbackAIPrompt = "a friendly robot painting its own self-portrait in a sunlit studio"

// Broadcaster fans an event out to every session connected to a battle.
type Broadcaster interface {
	Broadcast(battleID, event string, payload map[string]any)
}

// Timings are the per-phase deadlines.
type Timings struct {
	Countdown  time.Duration
	Active     time.Duration
	Generating time.Duration
	Judging    time.Duration
	Reveal     time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Countdown:  5 * time.Second,
		Active:     90 * time.Second,
		Generating: 30 * time.Second,
		Judging:    30 * time.Second,
		Reveal:     10 * time.Second,
	}
}

// Deps are the collaborators shared by every battle machine.
type Deps struct {
	Store     store.Store
	Generator *orchestrate.Generator
	Judger    *orchestrate.Judger
	Writer    ai.PromptWriter
	Broadcast Broadcaster
	Ledger    events.Ledger
	Notifier  events.Notifier
	Timings   Timings
}

// Machine owns one battle. All battle state is mutated exclusively by the
// run loop goroutine; commands arrive over the cmds channel and the phase
// timer lives inside the loop, so transitions are ordinary function calls
// with no cross-goroutine locking.
type Machine struct {
	battle *Battle
	deps   Deps

	cmds  chan any
	timer *time.Timer

	stop     chan struct{}
	stopOnce sync.Once

	// loop-local per-battle progress
	submitted [2]bool
	prompts   [2]string
	artifacts [2]string
	verdict   *orchestrate.Verdict

	completedAt atomic.Int64 // unix nano, 0 while live

	onComplete func(*Battle)
}

type submitCmd struct {
	userID string
	text   string
	reply  chan error
}

type forfeitCmd struct {
	userID string
	reply  chan error
}

type snapReply struct {
	snap Snapshot
	err  error
}

type snapshotCmd struct {
	userID string
	reply  chan snapReply
}

type aiPromptCmd struct{ text string }

type artifactCmd struct {
	slot int
	ref  string
}

type verdictCmd struct{ v orchestrate.Verdict }

func newMachine(b *Battle, deps Deps, onComplete func(*Battle)) *Machine {
	m := &Machine{
		battle:     b,
		deps:       deps,
		cmds:       make(chan any, 16),
		stop:       make(chan struct{}),
		onComplete: onComplete,
	}
	go m.run()
	return m
}

func (m *Machine) BattleID() string { return m.battle.ID }

func (m *Machine) Participants() [2]Participant { return m.battle.Slots }

func (m *Machine) CreatedAt() time.Time { return m.battle.CreatedAt }

// CompletedAt returns the terminal timestamp, or zero while the battle is
// live. Safe to call from the sweeper.
func (m *Machine) CompletedAt() time.Time {
	ns := m.completedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stop tears the run loop down. Outstanding orchestrator goroutines finish on
// their own and their results are discarded.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Submit routes a prompt submission through the run loop.
func (m *Machine) Submit(ctx context.Context, userID, text string) error {
	reply := make(chan error, 1)
	if !m.send(submitCmd{userID: userID, text: text, reply: reply}) {
		return ErrBattleStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forfeit marks the participant's slot as forfeited, identically to a
// deadline expiry for that slot.
func (m *Machine) Forfeit(userID string) error {
	reply := make(chan error, 1)
	if !m.send(forfeitCmd{userID: userID, reply: reply}) {
		return ErrBattleStopped
	}
	return <-reply
}

// Snapshot returns the authoritative resync view. An empty userID yields the
// spectator view used by the REST snapshot endpoint.
func (m *Machine) Snapshot(userID string) (Snapshot, error) {
	reply := make(chan snapReply, 1)
	if !m.send(snapshotCmd{userID: userID, reply: reply}) {
		return Snapshot{}, ErrBattleStopped
	}
	r := <-reply
	return r.snap, r.err
}

func (m *Machine) send(c any) bool {
	select {
	case m.cmds <- c:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Machine) run() {
	m.timer = time.NewTimer(time.Hour)
	m.disarm()
	m.enterCountdown()
	for {
		select {
		case <-m.stop:
			m.disarm()
			return
		case c := <-m.cmds:
			m.handle(c)
		case <-m.timer.C:
			m.handleTimeout(m.battle.Phase)
		}
	}
}

func (m *Machine) arm(d time.Duration) {
	m.disarm()
	m.timer.Reset(d)
}

func (m *Machine) disarm() {
	if !m.timer.Stop() {
		select {
		case <-m.timer.C:
		default:
		}
	}
}

func (m *Machine) handle(c any) {
	switch c := c.(type) {
	case submitCmd:
		c.reply <- m.handleSubmit(c.userID, c.text)
	case forfeitCmd:
		c.reply <- m.handleForfeit(c.userID)
	case snapshotCmd:
		snap, err := m.buildSnapshot(c.userID)
		c.reply <- snapReply{snap: snap, err: err}
	case aiPromptCmd:
		m.handleAIPrompt(c.text)
	case artifactCmd:
		m.handleArtifact(c.slot, c.ref)
	case verdictCmd:
		m.handleVerdict(c.v)
	}
}

func (m *Machine) handleTimeout(p Phase) {
	switch p {
	case PhaseCountdown:
		m.enterActive()
	case PhaseActive:
		m.activeDeadline()
	case PhaseGenerating:
		m.generatingDeadline()
	case PhaseJudging:
		m.handleVerdict(orchestrate.DrawFallback(m.deps.Judger.Criteria()))
	case PhaseReveal:
		m.finish()
	}
}

// transition moves the battle forward and broadcasts the new phase with its
// deadline. Phase order is strictly forward; callers never go backwards.
func (m *Machine) transition(p Phase, d time.Duration) {
	now := time.Now().UTC()
	m.battle.Phase = p
	m.battle.PhaseEnteredAt = now
	m.battle.Deadline = now.Add(d)
	log.Info().Str("battleId", m.battle.ID).Str("phase", string(p)).
		Time("deadline", m.battle.Deadline).Msg("phase transition")
	m.broadcast("phase_changed", map[string]any{
		"phase":       string(p),
		"deadline_at": m.battle.Deadline,
	})
	m.arm(d)
}

func (m *Machine) enterCountdown() {
	m.transition(PhaseCountdown, m.deps.Timings.Countdown)
}

func (m *Machine) enterActive() {
	m.transition(PhaseActive, m.deps.Timings.Active)
	if slot := m.battle.aiSlot(); slot >= 0 {
		go m.writeAIPrompt()
	}
}

// writeAIPrompt runs off-loop; the result comes back as a command. A writer
// failure degrades to the deterministic fallback prompt.
func (m *Machine) writeAIPrompt() {
	ctx, cancel := context.WithTimeout(context.Background(), m.deps.Timings.Active/2)
	defer cancel()
	text := fallbackAIPrompt
	if m.deps.Writer != nil {
		if t, err := m.deps.Writer.WritePrompt(ctx); err == nil && t != "" {
			text = t
		} else if err != nil {
			log.Warn().Str("battleId", m.battle.ID).Err(err).Msg("ai prompt writer failed, using fallback")
		}
	}
	m.send(aiPromptCmd{text: text})
}

func (m *Machine) handleAIPrompt(text string) {
	if m.battle.Phase != PhaseActive {
		return
	}
	slot := m.battle.aiSlot()
	if slot < 0 || m.covered(slot) {
		return
	}
	m.recordSubmission(slot, text, false)
	m.broadcast("opponent_submitted", map[string]any{"participant": m.battle.Slots[slot].Label()})
	m.checkActiveDone()
}

func (m *Machine) handleSubmit(userID, text string) error {
	slot := m.battle.slotOf(userID)
	if slot < 0 {
		return ErrNotParticipant
	}
	if m.battle.Phase != PhaseActive || m.battle.Forfeited[slot] {
		return ErrWrongPhase
	}
	created, err := m.deps.Store.PutOnce(context.Background(), store.Submission{
		BattleID:    m.battle.ID,
		Slot:        slot,
		Prompt:      text,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !created {
		return ErrAlreadySubmitted
	}
	m.submitted[slot] = true
	m.prompts[slot] = text
	m.broadcast("opponent_submitted", map[string]any{"participant": m.battle.Slots[slot].Label()})
	m.checkActiveDone()
	return nil
}

// recordSubmission stores a submission from inside the loop (AI opponent or
// forfeit placeholder). Store failures are logged, never fatal: the local
// flags still advance the battle.
func (m *Machine) recordSubmission(slot int, prompt string, forfeit bool) {
	sub := store.Submission{
		BattleID:    m.battle.ID,
		Slot:        slot,
		Prompt:      prompt,
		Forfeit:     forfeit,
		SubmittedAt: time.Now().UTC(),
	}
	if forfeit {
		sub.ArtifactRef = orchestrate.FallbackArtifact
	}
	if _, err := m.deps.Store.PutOnce(context.Background(), sub); err != nil {
		log.Error().Str("battleId", m.battle.ID).Int("slot", slot).Err(err).Msg("store submission failed")
	}
	m.submitted[slot] = true
	m.prompts[slot] = prompt
}

func (m *Machine) covered(slot int) bool {
	return m.submitted[slot] || m.battle.Forfeited[slot]
}

func (m *Machine) checkActiveDone() {
	if !m.covered(0) || !m.covered(1) {
		return
	}
	if m.battle.Forfeited[0] && m.battle.Forfeited[1] {
		m.completeNow(-1, ReasonVoid)
		return
	}
	m.enterGenerating()
}

func (m *Machine) activeDeadline() {
	for slot := 0; slot < 2; slot++ {
		if !m.covered(slot) {
			m.markForfeit(slot)
		}
	}
	m.checkActiveDone()
}

func (m *Machine) markForfeit(slot int) {
	m.battle.Forfeited[slot] = true
	if !m.submitted[slot] {
		m.recordSubmission(slot, "", true)
	}
	m.artifacts[slot] = orchestrate.FallbackArtifact
	log.Info().Str("battleId", m.battle.ID).Int("slot", slot).Msg("slot forfeited")
}

func (m *Machine) handleForfeit(userID string) error {
	slot := m.battle.slotOf(userID)
	if slot < 0 {
		return ErrNotParticipant
	}
	p := m.battle.Phase
	if p.Terminal() || p == PhaseReveal || m.battle.Forfeited[slot] {
		return ErrWrongPhase
	}
	m.markForfeit(slot)
	other := 1 - slot
	if m.battle.Forfeited[other] {
		m.completeNow(-1, ReasonVoid)
		return nil
	}
	switch p {
	case PhaseCountdown:
		m.completeNow(other, ReasonForfeit)
	case PhaseActive:
		m.checkActiveDone()
	case PhaseGenerating:
		m.checkGeneratingDone()
	case PhaseJudging:
		m.resolve(other, ReasonForfeit, nil)
	}
	return nil
}

func (m *Machine) enterGenerating() {
	m.transition(PhaseGenerating, m.deps.Timings.Generating)
	for slot := 0; slot < 2; slot++ {
		if m.battle.Forfeited[slot] {
			continue
		}
		go func(slot int, prompt string) {
			ref, _ := m.deps.Generator.Generate(context.Background(), m.battle.ID, prompt)
			m.send(artifactCmd{slot: slot, ref: ref})
		}(slot, m.prompts[slot])
	}
}

func (m *Machine) handleArtifact(slot int, ref string) {
	if m.battle.Phase != PhaseGenerating || m.artifacts[slot] != "" {
		return // late or duplicate result, discard
	}
	m.artifacts[slot] = ref
	if err := m.deps.Store.AttachArtifact(context.Background(), m.battle.ID, slot, ref); err != nil {
		log.Error().Str("battleId", m.battle.ID).Int("slot", slot).Err(err).Msg("attach artifact failed")
	}
	m.broadcast("artifact_ready", map[string]any{"participant": m.battle.Slots[slot].Label()})
	m.checkGeneratingDone()
}

func (m *Machine) checkGeneratingDone() {
	if m.artifacts[0] == "" || m.artifacts[1] == "" {
		return
	}
	m.enterJudging()
}

func (m *Machine) generatingDeadline() {
	for slot := 0; slot < 2; slot++ {
		if m.artifacts[slot] == "" {
			m.artifacts[slot] = orchestrate.FallbackArtifact
			if err := m.deps.Store.AttachArtifact(context.Background(), m.battle.ID, slot, orchestrate.FallbackArtifact); err != nil {
				log.Error().Str("battleId", m.battle.ID).Int("slot", slot).Err(err).Msg("attach fallback artifact failed")
			}
			m.broadcast("artifact_ready", map[string]any{"participant": m.battle.Slots[slot].Label()})
		}
	}
	m.enterJudging()
}

func (m *Machine) enterJudging() {
	m.transition(PhaseJudging, m.deps.Timings.Judging)

	// a single forfeited slot decides the battle without a judge call
	if m.battle.Forfeited[0] != m.battle.Forfeited[1] {
		winner := 0
		if m.battle.Forfeited[0] {
			winner = 1
		}
		m.resolve(winner, ReasonForfeit, nil)
		return
	}

	a := m.judgeEntry(0)
	b := m.judgeEntry(1)
	go func() {
		v := m.deps.Judger.Judge(context.Background(), m.battle.ID, a, b)
		m.send(verdictCmd{v: v})
	}()
}

func (m *Machine) judgeEntry(slot int) orchestrate.Entry {
	return orchestrate.Entry{
		Prompt:      m.prompts[slot],
		ArtifactRef: m.artifacts[slot],
		Fallback:    m.battle.Forfeited[slot] || m.artifacts[slot] == orchestrate.FallbackArtifact,
	}
}

func (m *Machine) handleVerdict(v orchestrate.Verdict) {
	if m.battle.Phase != PhaseJudging || m.verdict != nil {
		return // late verdict after resolution, discard
	}
	m.verdict = &v
	scoresByParticipant := make(map[string]any, 2)
	for slot := 0; slot < 2; slot++ {
		if err := m.deps.Store.AttachScores(context.Background(), m.battle.ID, slot, v.Scores[slot]); err != nil {
			log.Error().Str("battleId", m.battle.ID).Int("slot", slot).Err(err).Msg("attach scores failed")
		}
		scoresByParticipant[m.battle.Slots[slot].Label()] = map[string]any{
			"criteria": v.Scores[slot],
			"total":    v.Totals[slot],
		}
	}
	var winner any
	if v.Winner >= 0 {
		winner = m.battle.Slots[v.Winner].Label()
	}
	m.broadcast("scores_ready", map[string]any{
		"scores_by_participant": scoresByParticipant,
		"winner":                winner,
	})
	m.resolve(v.Winner, v.Reason, &v)
}

// resolve fixes the outcome and moves to reveal. verdict may be nil for
// forfeit resolutions.
func (m *Machine) resolve(winnerSlot int, reason string, v *orchestrate.Verdict) {
	if v != nil {
		m.verdict = v
	}
	m.setOutcome(winnerSlot, reason)
	m.transition(PhaseReveal, m.deps.Timings.Reveal)
}

func (m *Machine) setOutcome(winnerSlot int, reason string) {
	if winnerSlot >= 0 {
		w := m.battle.Slots[winnerSlot]
		m.battle.Winner = &w
	} else {
		m.battle.Winner = nil
	}
	m.battle.Reason = reason
}

// completeNow shortcuts straight to the terminal phase (void outcomes and
// countdown forfeits).
func (m *Machine) completeNow(winnerSlot int, reason string) {
	m.setOutcome(winnerSlot, reason)
	m.finish()
}

func (m *Machine) finish() {
	now := time.Now().UTC()
	m.battle.Phase = PhaseComplete
	m.battle.PhaseEnteredAt = now
	m.battle.Deadline = time.Time{}
	m.battle.CompletedAt = now
	m.completedAt.Store(now.UnixNano())
	m.disarm()

	winner := ""
	var winnerPayload any
	if m.battle.Winner != nil {
		winner = m.battle.Winner.Label()
		winnerPayload = winner
	}
	log.Info().Str("battleId", m.battle.ID).Str("winner", winner).
		Str("reason", m.battle.Reason).Msg("battle complete")
	m.broadcast("battle_complete", map[string]any{
		"winner": winnerPayload,
		"reason": m.battle.Reason,
	})

	m.persistRecord()
	m.emitCompletionEvents(winner)

	if m.onComplete != nil {
		m.onComplete(m.battle)
	}
}

func (m *Machine) persistRecord() {
	rec := store.BattleRecord{
		ID:           m.battle.ID,
		ParticipantA: m.battle.Slots[0].Label(),
		ParticipantB: m.battle.Slots[1].Label(),
		Phase:        string(m.battle.Phase),
		Reason:       m.battle.Reason,
		CreatedAt:    m.battle.CreatedAt,
		CompletedAt:  m.battle.CompletedAt,
	}
	if m.battle.Winner != nil {
		rec.Winner = m.battle.Winner.Label()
	}
	if err := m.deps.Store.SaveBattle(context.Background(), rec); err != nil {
		log.Error().Str("battleId", m.battle.ID).Err(err).Msg("persist battle record failed")
	}
}

func (m *Machine) emitCompletionEvents(winner string) {
	ctx := context.Background()
	labels := []string{m.battle.Slots[0].Label(), m.battle.Slots[1].Label()}
	if m.deps.Ledger != nil {
		m.deps.Ledger.BattleCompleted(ctx, events.BattleCompleted{
			BattleID:     m.battle.ID,
			Winner:       winner,
			Reason:       m.battle.Reason,
			Participants: labels,
		})
	}
	if m.deps.Notifier == nil {
		return
	}
	for _, p := range m.battle.Slots {
		if p.IsAI() {
			continue
		}
		outcome := "draw"
		switch {
		case m.battle.Reason == ReasonVoid:
			outcome = "void"
		case winner == p.Label():
			outcome = "won"
		case winner != "":
			outcome = "lost"
		}
		m.deps.Notifier.BattleResult(ctx, events.BattleResult{
			BattleID:    m.battle.ID,
			Participant: p.Label(),
			Outcome:     outcome,
		})
	}
}

func (m *Machine) buildSnapshot(userID string) (Snapshot, error) {
	b := m.battle
	snap := Snapshot{
		BattleID:     b.ID,
		Phase:        b.Phase,
		Participants: []string{b.Slots[0].Label(), b.Slots[1].Label()},
		Reason:       b.Reason,
	}
	if !b.Deadline.IsZero() {
		d := b.Deadline
		snap.DeadlineAt = &d
	}
	if b.Winner != nil {
		w := b.Winner.Label()
		snap.Winner = &w
	}
	if m.verdict != nil && (b.Phase == PhaseReveal || b.Phase.Terminal()) {
		snap.Scores = map[string]int{
			b.Slots[0].Label(): m.verdict.Totals[0],
			b.Slots[1].Label(): m.verdict.Totals[1],
		}
	}
	if userID == "" {
		return snap, nil
	}
	slot := b.slotOf(userID)
	if slot < 0 {
		return Snapshot{}, ErrNotParticipant
	}
	snap.You = b.Slots[slot].Label()
	snap.Submitted = m.submitted[slot] && !b.Forfeited[slot]
	snap.OpponentSubmitted = m.submitted[1-slot] && !b.Forfeited[1-slot]
	return snap, nil
}

func (m *Machine) broadcast(event string, payload map[string]any) {
	if m.deps.Broadcast == nil {
		return
	}
	m.deps.Broadcast.Broadcast(m.battle.ID, event, payload)
}
