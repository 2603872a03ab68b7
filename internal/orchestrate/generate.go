package orchestrate

import (
	"context"

	"github.com/promptduel/promptduel/internal/ai"
)

// FallbackArtifact marks a slot whose generation failed or timed out. Judging
// treats it as a maximal penalty; it is never an error.
const FallbackArtifact = "fallback:artifact"

// Generator wraps the Image Generation Service with the shared invoke policy.
type Generator struct {
	gen    ai.ImageGenerator
	policy Policy
}

func NewGenerator(gen ai.ImageGenerator, policy Policy) *Generator {
	return &Generator{gen: gen, policy: policy}
}

// Generate converts a prompt into an artifact reference. The second return
// value is false when the fallback marker was substituted.
func (g *Generator) Generate(ctx context.Context, battleID, prompt string) (string, bool) {
	return Invoke(ctx, "generate", battleID, g.policy, func(ctx context.Context) (string, error) {
		return g.gen.Generate(ctx, prompt)
	}, FallbackArtifact)
}
