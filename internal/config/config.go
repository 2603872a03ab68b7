package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	OpenAIKey     string
	OpenAIBaseURL string
	ImageModel    string
	ChatModel     string

	WriterProvider string // "openai" or "ollama"
	OllamaHost     string
	OllamaModel    string

	Countdown  time.Duration
	Active     time.Duration
	Generating time.Duration
	Judging    time.Duration
	Reveal     time.Duration

	Criteria []string

	OrchestratorTimeout time.Duration
	RetryBackoff        time.Duration

	InviteTTL     time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	AbandonAfter  time.Duration
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.DatabaseURL = os.Getenv("DATABASE_URL")

	c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")
	c.ImageModel = getenv("IMAGE_MODEL", "dall-e-3")
	c.ChatModel = getenv("CHAT_MODEL", "gpt-4o-mini")

	c.WriterProvider = getenv("WRITER_PROVIDER", "openai")
	c.OllamaHost = getenv("OLLAMA_HOST", "http://localhost:11434")
	c.OllamaModel = getenv("OLLAMA_MODEL", "llama3")

	c.Countdown = getdur("COUNTDOWN_SECONDS", 5)
	c.Active = getdur("ACTIVE_SECONDS", 90)
	c.Generating = getdur("GENERATING_SECONDS", 30)
	c.Judging = getdur("JUDGING_SECONDS", 30)
	c.Reveal = getdur("REVEAL_SECONDS", 10)

	if raw := os.Getenv("JUDGE_CRITERIA"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				c.Criteria = append(c.Criteria, p)
			}
		}
	}

	c.OrchestratorTimeout = getdur("ORCHESTRATOR_TIMEOUT_SECONDS", 25)
	c.RetryBackoff = time.Duration(getint("RETRY_BACKOFF_MS", 500)) * time.Millisecond

	c.InviteTTL = getdur("INVITE_TTL_SECONDS", 300)
	c.SweepInterval = getdur("SWEEP_INTERVAL_SECONDS", 60)
	c.Retention = getdur("RETENTION_SECONDS", 600)
	c.AbandonAfter = getdur("ABANDON_AFTER_SECONDS", 900)
	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getdur(k string, defSeconds int) time.Duration {
	return time.Duration(getint(k, defSeconds)) * time.Second
}
