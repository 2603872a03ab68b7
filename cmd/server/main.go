package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/promptduel/promptduel/internal/ai"
	"github.com/promptduel/promptduel/internal/ai/ollama"
	"github.com/promptduel/promptduel/internal/ai/openai"
	"github.com/promptduel/promptduel/internal/battle"
	"github.com/promptduel/promptduel/internal/config"
	"github.com/promptduel/promptduel/internal/events"
	"github.com/promptduel/promptduel/internal/handlers"
	"github.com/promptduel/promptduel/internal/orchestrate"
	"github.com/promptduel/promptduel/internal/store"
	"github.com/promptduel/promptduel/internal/ws"
)

const version = "v1.0.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`PromptDuel - Real-time prompt battle engine

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                 Port to listen on (default: 8080)
  DATABASE_URL         Postgres DSN; omit for the in-memory store
  OPENAI_API_KEY       OpenAI API key for image generation and judging
  OPENAI_BASE_URL      Custom OpenAI API base URL (optional)
  IMAGE_MODEL          Image generation model (default: dall-e-3)
  CHAT_MODEL           Judge/opponent chat model (default: gpt-4o-mini)
  WRITER_PROVIDER      AI opponent prompt writer: "openai" or "ollama"
  OLLAMA_HOST          Ollama host URL (default: http://localhost:11434)
  COUNTDOWN_SECONDS    Countdown phase length (default: 5)
  ACTIVE_SECONDS       Submission window (default: 90)
  GENERATING_SECONDS   Generation phase bound (default: 30)
  JUDGING_SECONDS      Judging phase bound (default: 30)
  REVEAL_SECONDS       Reveal display delay (default: 10)
  JUDGE_CRITERIA       Comma-separated judging criteria

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("PromptDuel %s\n", version)
		return
	}

	_ = godotenv.Load()

	// Determine port
	port := *portFlag
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = "8080"
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		zerologlog.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	// Healthcheck
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	cfg := config.FromEnv()

	// Store: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		st = pg
		zerologlog.Info().Msg("using postgres store")
	} else {
		st = store.NewMemory()
		zerologlog.Info().Msg("using in-memory store")
	}

	// External AI services
	oa := openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.ImageModel, cfg.ChatModel)
	var writer ai.PromptWriter = oa
	if cfg.WriterProvider == "ollama" {
		writer = ollama.New(cfg.OllamaHost, cfg.OllamaModel)
	}

	policy := orchestrate.Policy{Timeout: cfg.OrchestratorTimeout, RetryBackoff: cfg.RetryBackoff}

	deps := battle.Deps{
		Store:     st,
		Generator: orchestrate.NewGenerator(oa, policy),
		Judger:    orchestrate.NewJudger(oa, policy, cfg.Criteria),
		Writer:    writer,
		Ledger:    events.LogLedger{},
		Notifier:  events.LogNotifier{},
		Timings: battle.Timings{
			Countdown:  cfg.Countdown,
			Active:     cfg.Active,
			Generating: cfg.Generating,
			Judging:    cfg.Judging,
			Reveal:     cfg.Reveal,
		},
	}

	sup := battle.NewSupervisor(deps)
	mm := battle.NewMatchmaker(sup, cfg.InviteTTL)

	// Realtime gateway
	sock := ws.New(sup)
	io := sock.Mount(r)
	defer io.Close()
	sup.SetBroadcaster(sock)

	stopSweep, err := sup.StartSweeper(cfg.SweepInterval, cfg.Retention, cfg.AbandonAfter, mm)
	if err != nil {
		log.Fatal(err)
	}
	defer stopSweep()

	handlers.NewBattleHandler(mm, sup, st).Register(r)

	log.Printf("listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
