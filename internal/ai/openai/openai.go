package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/promptduel/promptduel/internal/ai"
)

const defaultJudgeSystem = "You are an impartial judge for an image prompt battle. " +
	"Score each entry per criterion from 0 to 25. Respond with JSON only, shaped as " +
	`{"a": {"<criterion>": <int>, ...}, "b": {...}}. An entry marked as fallback must score 0 on every criterion.`

const defaultWriterSystem = "You are a creative opponent in an image prompt battle. " +
	"Write one short, vivid image prompt. Respond with the prompt text only."

type Client struct {
	APIKey     string
	BaseURL    string
	ImageModel string
	ChatModel  string
	http       *http.Client
}

func New(apiKey, baseURL, imageModel, chatModel string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if imageModel == "" {
		imageModel = "dall-e-3"
	}
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ImageModel: imageModel,
		ChatModel:  chatModel,
		http:       &http.Client{Timeout: 60 * time.Second},
	}
}

// Generate submits the prompt to the images API and returns the hosted image
// URL as the artifact reference.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", errors.New("missing OPENAI_API_KEY")
	}
	payload := map[string]any{
		"model":  c.ImageModel,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}
	var out struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/images/generations", payload, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return "", errors.New("no image returned")
	}
	return out.Data[0].URL, nil
}

// Score asks the chat model to judge both entries and parses its JSON reply.
func (c *Client) Score(ctx context.Context, req ai.JudgeRequest) (ai.JudgeResult, error) {
	if c.APIKey == "" {
		return ai.JudgeResult{}, errors.New("missing OPENAI_API_KEY")
	}
	user := fmt.Sprintf(
		"Criteria: %s\nEntry A (fallback=%t): prompt=%q artifact=%s\nEntry B (fallback=%t): prompt=%q artifact=%s",
		strings.Join(req.Criteria, ", "),
		req.EntryA.Fallback, req.EntryA.Prompt, req.EntryA.ArtifactRef,
		req.EntryB.Fallback, req.EntryB.Prompt, req.EntryB.ArtifactRef,
	)
	text, err := c.chat(ctx, defaultJudgeSystem, user)
	if err != nil {
		return ai.JudgeResult{}, err
	}
	var parsed struct {
		A map[string]int `json:"a"`
		B map[string]int `json:"b"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return ai.JudgeResult{}, fmt.Errorf("judge reply not parseable: %w", err)
	}
	if parsed.A == nil || parsed.B == nil {
		return ai.JudgeResult{}, errors.New("judge reply missing scores")
	}
	return ai.JudgeResult{ScoresA: parsed.A, ScoresB: parsed.B}, nil
}

// WritePrompt has the chat model compose the AI opponent's submission.
func (c *Client) WritePrompt(ctx context.Context) (string, error) {
	if c.APIKey == "" {
		return "", errors.New("missing OPENAI_API_KEY")
	}
	return c.chat(ctx, defaultWriterSystem, "Write your prompt for this round.")
}

func (c *Client) chat(ctx context.Context, systemPrompt, prompt string) (string, error) {
	payload := map[string]any{
		"model": c.ChatModel,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.8,
		"max_tokens":  300,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/v1/chat/completions", payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("openai status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// extractJSON trims code fences and surrounding prose some models wrap around
// JSON replies.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
