package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const writerSystem = "You are a creative opponent in an image prompt battle. " +
	"Write one short, vivid image prompt. Respond with the prompt text only."

// Client is a local-model prompt writer for the AI opponent. Ollama serves no
// image generation, so this backs only the PromptWriter capability.
type Client struct {
	Host  string
	Model string
	http  *http.Client
}

func New(host, model string) *Client {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &Client{Host: strings.TrimRight(host, "/"), Model: model, http: &http.Client{Timeout: 20 * time.Second}}
}

func (c *Client) WritePrompt(ctx context.Context) (string, error) {
	payload := map[string]any{
		"model": c.Model,
		"messages": []map[string]string{
			{"role": "system", "content": writerSystem},
			{"role": "user", "content": "Write your prompt for this round."},
		},
		"stream": false,
	}
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", c.Host+"/api/chat", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Message.Content), nil
}
