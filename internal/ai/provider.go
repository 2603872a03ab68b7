package ai

import "context"

// ImageGenerator is the external Image Generation Service: prompt in,
// artifact reference out.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// JudgeEntry is one side of a judging request. Fallback marks an entry whose
// artifact is a placeholder (forfeit or generation failure); judges score
// such entries at maximal penalty instead of erroring on them.
type JudgeEntry struct {
	Prompt      string
	ArtifactRef string
	Fallback    bool
}

type JudgeRequest struct {
	EntryA   JudgeEntry
	EntryB   JudgeEntry
	Criteria []string
}

// JudgeResult carries per-criterion scores for both entries.
type JudgeResult struct {
	ScoresA map[string]int
	ScoresB map[string]int
}

// Judge is the external Judging Service.
type Judge interface {
	Score(ctx context.Context, req JudgeRequest) (JudgeResult, error)
}

// PromptWriter produces the AI opponent's own submission prompt.
type PromptWriter interface {
	WritePrompt(ctx context.Context) (string, error)
}
