package battle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptduel/promptduel/internal/ai"
	"github.com/promptduel/promptduel/internal/orchestrate"
	"github.com/promptduel/promptduel/internal/store"
)

type recordedEvent struct {
	BattleID string
	Event    string
	Payload  map[string]any
}

// recorder is a Broadcaster capturing machine events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan recordedEvent, 128)}
}

func (r *recorder) Broadcast(battleID, event string, payload map[string]any) {
	e := recordedEvent{BattleID: battleID, Event: event, Payload: payload}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// wait scans recorded events until one matches, failing the test on timeout.
// It reads the history non-destructively so concurrent waits for different
// battles never steal each other's events.
func (r *recorder) wait(t *testing.T, match func(recordedEvent) bool) recordedEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	scanned := 0
	for {
		events := r.all()
		for ; scanned < len(events); scanned++ {
			if match(events[scanned]) {
				return events[scanned]
			}
		}
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for event; saw %v", r.all())
		}
	}
}

func (r *recorder) waitPhase(t *testing.T, phase Phase) recordedEvent {
	t.Helper()
	return r.wait(t, func(e recordedEvent) bool {
		return e.Event == "phase_changed" && e.Payload["phase"] == string(phase)
	})
}

func (r *recorder) waitComplete(t *testing.T) recordedEvent {
	t.Helper()
	return r.wait(t, func(e recordedEvent) bool { return e.Event == "battle_complete" })
}

type fakeGenerator struct {
	fn    func(prompt string) (string, error)
	calls atomic.Int32
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(prompt)
	}
	return "artifact:" + prompt, nil
}

type fakeJudge struct {
	fn    func(req ai.JudgeRequest) (ai.JudgeResult, error)
	calls atomic.Int32
}

func (f *fakeJudge) Score(_ context.Context, req ai.JudgeRequest) (ai.JudgeResult, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(req)
	}
	return ai.JudgeResult{
		ScoresA: map[string]int{"creativity": 10},
		ScoresB: map[string]int{"creativity": 5},
	}, nil
}

type fakeWriter struct{ text string }

func (f *fakeWriter) WritePrompt(context.Context) (string, error) {
	if f.text == "" {
		return "", errors.New("writer down")
	}
	return f.text, nil
}

func fastTimings() Timings {
	return Timings{
		Countdown:  20 * time.Millisecond,
		Active:     150 * time.Millisecond,
		Generating: 300 * time.Millisecond,
		Judging:    300 * time.Millisecond,
		Reveal:     20 * time.Millisecond,
	}
}

type testEnv struct {
	sup   *Supervisor
	rec   *recorder
	store *store.Memory
	gen   *fakeGenerator
	judge *fakeJudge
}

func newTestEnv(t *testing.T, timings Timings) *testEnv {
	t.Helper()
	rec := newRecorder()
	st := store.NewMemory()
	gen := &fakeGenerator{}
	judge := &fakeJudge{}
	policy := orchestrate.Policy{Timeout: 100 * time.Millisecond, RetryBackoff: 5 * time.Millisecond}
	sup := NewSupervisor(Deps{
		Store:     st,
		Generator: orchestrate.NewGenerator(gen, policy),
		Judger:    orchestrate.NewJudger(judge, policy, []string{"creativity", "fidelity"}),
		Writer:    &fakeWriter{text: "a watercolor fox"},
		Broadcast: rec,
		Timings:   timings,
	})
	t.Cleanup(func() { sup.Sweep(0, 0) })
	return &testEnv{sup: sup, rec: rec, store: st, gen: gen, judge: judge}
}

func TestAIBattleWinByScore(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	env.judge.fn = func(req ai.JudgeRequest) (ai.JudgeResult, error) {
		return ai.JudgeResult{
			ScoresA: map[string]int{"creativity": 40, "fidelity": 32}, // 72
			ScoresB: map[string]int{"creativity": 35, "fidelity": 30}, // 65
		}, nil
	}

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a red bicycle"))

	done := env.rec.waitComplete(t)
	assert.Equal(t, "u1", done.Payload["winner"])
	assert.Equal(t, ReasonScore, done.Payload["reason"])

	// both submissions stored with artifacts and scores
	subs, err := env.store.ListByBattle(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.NotEmpty(t, sub.ArtifactRef)
		assert.NotNil(t, sub.Scores)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "first"))
	err = env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "second")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	sub, err := env.store.Get(context.Background(), b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", sub.Prompt)
}

func TestSubmitWrongPhase(t *testing.T) {
	timings := fastTimings()
	timings.Countdown = 500 * time.Millisecond
	env := newTestEnv(t, timings)
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), Human("u2")})
	require.NoError(t, err)

	err = env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "too early")
	assert.ErrorIs(t, err, ErrWrongPhase)

	err = env.sup.SubmitPrompt(context.Background(), b.ID, "stranger", "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestOpponentDeadlineForfeit(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), Human("u2")})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a lighthouse at dawn"))
	// u2 never submits; the active deadline forfeits their slot

	env.rec.waitPhase(t, PhaseGenerating)
	done := env.rec.waitComplete(t)
	assert.Equal(t, "u1", done.Payload["winner"])
	assert.Equal(t, ReasonForfeit, done.Payload["reason"])

	// forfeit resolution never consults the judge
	assert.Equal(t, int32(0), env.judge.calls.Load())

	// the forfeited slot got a placeholder submission
	sub, err := env.store.Get(context.Background(), b.ID, 1)
	require.NoError(t, err)
	assert.True(t, sub.Forfeit)
	assert.Equal(t, orchestrate.FallbackArtifact, sub.ArtifactRef)
}

func TestBothMissDeadlineVoid(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	_, err := env.sup.StartBattle([2]Participant{Human("u1"), Human("u2")})
	require.NoError(t, err)

	done := env.rec.waitComplete(t)
	assert.Nil(t, done.Payload["winner"])
	assert.Equal(t, ReasonVoid, done.Payload["reason"])
}

func TestJudgingFailureFallsBackToDraw(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	env.judge.fn = func(ai.JudgeRequest) (ai.JudgeResult, error) {
		return ai.JudgeResult{}, errors.New("judge unavailable")
	}

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a glass city"))

	done := env.rec.waitComplete(t)
	assert.Nil(t, done.Payload["winner"])
	assert.Equal(t, ReasonDrawFallback, done.Payload["reason"])

	// the error path retried once before degrading
	assert.Equal(t, int32(2), env.judge.calls.Load())
}

func TestGenerationFailureStillCompletes(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	env.gen.fn = func(prompt string) (string, error) {
		if prompt == "a red bicycle" {
			return "", errors.New("generator down")
		}
		return "artifact:" + prompt, nil
	}

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a red bicycle"))

	done := env.rec.waitComplete(t)
	// the human's artifact fell back, so the AI's entry wins on score
	assert.Equal(t, "ai", done.Payload["winner"])
	assert.Equal(t, ReasonScore, done.Payload["reason"])

	sub, err := env.store.Get(context.Background(), b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, orchestrate.FallbackArtifact, sub.ArtifactRef)
}

func TestExactTieIsDeclaredDraw(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	env.judge.fn = func(ai.JudgeRequest) (ai.JudgeResult, error) {
		same := map[string]int{"creativity": 30, "fidelity": 30}
		return ai.JudgeResult{ScoresA: same, ScoresB: same}, nil
	}

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "mirror match"))

	done := env.rec.waitComplete(t)
	assert.Nil(t, done.Payload["winner"])
	assert.Equal(t, ReasonDraw, done.Payload["reason"])
}

func TestVoluntaryForfeitDuringCountdown(t *testing.T) {
	timings := fastTimings()
	timings.Countdown = 500 * time.Millisecond
	env := newTestEnv(t, timings)
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), Human("u2")})
	require.NoError(t, err)

	require.NoError(t, env.sup.Forfeit(b.ID, "u2"))

	done := env.rec.waitComplete(t)
	assert.Equal(t, "u1", done.Payload["winner"])
	assert.Equal(t, ReasonForfeit, done.Payload["reason"])
}

func TestPhaseMonotonicity(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a paper crane"))
	env.rec.waitComplete(t)

	last := -1
	for _, e := range env.rec.all() {
		if e.Event != "phase_changed" {
			continue
		}
		order := Phase(e.Payload["phase"].(string)).Order()
		assert.Greater(t, order, last, "phases must move strictly forward")
		last = order
	}
}

func TestSnapshotResyncDuringJudging(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	release := make(chan struct{})
	env.judge.fn = func(ai.JudgeRequest) (ai.JudgeResult, error) {
		<-release
		return ai.JudgeResult{
			ScoresA: map[string]int{"creativity": 10, "fidelity": 10},
			ScoresB: map[string]int{"creativity": 5, "fidelity": 5},
		}, nil
	}
	defer close(release)

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a city in a bottle"))

	// a participant who disconnected during generating reconnects now
	env.rec.waitPhase(t, PhaseJudging)
	snap, err := env.sup.Snapshot(b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, PhaseJudging, snap.Phase)
	require.NotNil(t, snap.DeadlineAt)
	assert.True(t, snap.DeadlineAt.After(time.Now()))
	assert.True(t, snap.Submitted)
	assert.True(t, snap.OpponentSubmitted)
	assert.Equal(t, "u1", snap.You)
}

func TestSnapshotIdempotentAcrossReconnect(t *testing.T) {
	timings := fastTimings()
	timings.Active = 2 * time.Second
	env := newTestEnv(t, timings)
	b, err := env.sup.StartBattle([2]Participant{Human("u1"), Human("u2")})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	first, err := env.sup.Snapshot(b.ID, "u1")
	require.NoError(t, err)
	// disconnect/reconnect has no battle-side effect; the snapshot is stable
	second, err := env.sup.Snapshot(b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Phase, second.Phase)
	assert.Equal(t, first.DeadlineAt.Unix(), second.DeadlineAt.Unix())
	assert.Equal(t, first.Submitted, second.Submitted)
}

func TestAIWriterFailureUsesFallbackPrompt(t *testing.T) {
	env := newTestEnv(t, fastTimings())
	// swap the writer for one that always errors
	env.sup.deps.Writer = &fakeWriter{}

	b, err := env.sup.StartBattle([2]Participant{Human("u1"), AIOpponent()})
	require.NoError(t, err)

	env.rec.waitPhase(t, PhaseActive)
	require.NoError(t, env.sup.SubmitPrompt(context.Background(), b.ID, "u1", "a tin rocket"))

	env.rec.waitComplete(t)
	sub, err := env.store.Get(context.Background(), b.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, fallbackAIPrompt, sub.Prompt)
}
