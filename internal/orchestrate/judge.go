package orchestrate

import (
	"context"

	"github.com/promptduel/promptduel/internal/ai"
)

// DefaultCriteria are the judging dimensions used when none are configured.
var DefaultCriteria = []string{"creativity", "fidelity", "aesthetics", "composition"}

// Entry is one slot's material for judging.
type Entry struct {
	Prompt      string
	ArtifactRef string
	Fallback    bool
}

// Verdict is the authoritative judging outcome. Winner is the slot index, or
// -1 for a draw. Reason is "score", "draw", or "draw_fallback".
type Verdict struct {
	Scores [2]map[string]int
	Totals [2]int
	Winner int
	Reason string
}

// DrawFallback is the deterministic verdict used when judging times out or
// exhausts its retry.
func DrawFallback(criteria []string) Verdict {
	return Verdict{
		Scores: [2]map[string]int{zeroScores(criteria), zeroScores(criteria)},
		Winner: -1,
		Reason: "draw_fallback",
	}
}

// Judger wraps the Judging Service with the shared invoke policy and applies
// the tie-break rules: higher aggregate wins, exact ties are a declared draw.
type Judger struct {
	judge    ai.Judge
	policy   Policy
	criteria []string
}

func NewJudger(judge ai.Judge, policy Policy, criteria []string) *Judger {
	if len(criteria) == 0 {
		criteria = DefaultCriteria
	}
	return &Judger{judge: judge, policy: policy, criteria: criteria}
}

func (j *Judger) Criteria() []string { return j.criteria }

func (j *Judger) Judge(ctx context.Context, battleID string, a, b Entry) Verdict {
	req := ai.JudgeRequest{
		EntryA:   ai.JudgeEntry{Prompt: a.Prompt, ArtifactRef: a.ArtifactRef, Fallback: a.Fallback},
		EntryB:   ai.JudgeEntry{Prompt: b.Prompt, ArtifactRef: b.ArtifactRef, Fallback: b.Fallback},
		Criteria: j.criteria,
	}
	res, ok := Invoke(ctx, "judge", battleID, j.policy, func(ctx context.Context) (ai.JudgeResult, error) {
		return j.judge.Score(ctx, req)
	}, ai.JudgeResult{})
	if !ok {
		return DrawFallback(j.criteria)
	}

	scores := [2]map[string]int{normalize(res.ScoresA, j.criteria), normalize(res.ScoresB, j.criteria)}
	// fallback entries carry the maximal penalty no matter what the judge said
	if a.Fallback {
		scores[0] = zeroScores(j.criteria)
	}
	if b.Fallback {
		scores[1] = zeroScores(j.criteria)
	}

	v := Verdict{Scores: scores}
	for _, s := range scores[0] {
		v.Totals[0] += s
	}
	for _, s := range scores[1] {
		v.Totals[1] += s
	}
	switch {
	case v.Totals[0] > v.Totals[1]:
		v.Winner, v.Reason = 0, "score"
	case v.Totals[1] > v.Totals[0]:
		v.Winner, v.Reason = 1, "score"
	default:
		v.Winner, v.Reason = -1, "draw"
	}
	return v
}

func normalize(in map[string]int, criteria []string) map[string]int {
	out := zeroScores(criteria)
	for _, c := range criteria {
		if s, ok := in[c]; ok && s > 0 {
			out[c] = s
		}
	}
	return out
}

func zeroScores(criteria []string) map[string]int {
	out := make(map[string]int, len(criteria))
	for _, c := range criteria {
		out[c] = 0
	}
	return out
}
