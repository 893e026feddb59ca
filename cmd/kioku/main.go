// Command kioku is an interactive shell over a memory session. Lines typed
// at the prompt are ingested as user turns; slash commands query and manage
// the session:
//
//	/recall <query>   assemble context for a query
//	/close [reason]   force an episode boundary
//	/stats            print session counters
//	/quit             flush and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/internal/bootstrap"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelWarn
	if os.Getenv("KIOKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	session, err := bootstrap.NewSession(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer func() { _ = session.Close(context.Background()) }()

	fmt.Printf("kioku %s  session=%s backend=%s\n", version, cfg.SessionID, cfg.Backend)
	fmt.Println("type a message to ingest it, /recall <query> to remember, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		if err := dispatch(ctx, session, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	fmt.Println("flushing session")
	return scanner.Err()
}

func dispatch(ctx context.Context, session *kioku.Session, line string) error {
	switch {
	case strings.HasPrefix(line, "/recall "):
		return doRecall(ctx, session, strings.TrimPrefix(line, "/recall "))

	case line == "/recall":
		return fmt.Errorf("usage: /recall <query>")

	case line == "/close" || strings.HasPrefix(line, "/close "):
		reason := strings.TrimSpace(strings.TrimPrefix(line, "/close"))
		if reason == "" {
			reason = "explicit"
		}
		episodeID, err := session.CloseEpisode(ctx, reason)
		if err != nil {
			return err
		}
		if episodeID == "" {
			fmt.Println("episode was empty, nothing closed")
		} else {
			fmt.Printf("closed %s\n", episodeID)
		}
		return nil

	case line == "/stats":
		stats, err := session.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("turns=%d episodes=%d facts=%d superseded=%d reflections=%d tokens=%d\n",
			stats.TurnCount, stats.EpisodeCount, stats.ActiveFactCount,
			stats.SupersededFactCount, stats.ReflectionCount, stats.TokensIngested)
		return nil

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])

	default:
		turnID, err := session.Ingest(ctx, kioku.TurnInput{
			Role:    kioku.RoleUser,
			Content: line,
		})
		if err != nil {
			return err
		}
		fmt.Printf("recorded %s\n", turnID)
		return nil
	}
}

func doRecall(ctx context.Context, session *kioku.Session, query string) error {
	items, err := session.Recall(ctx, kioku.RecallRequest{Query: strings.TrimSpace(query)})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("nothing relevant in memory")
		return nil
	}
	for _, item := range items {
		label := string(item.SourceType)
		if item.Role != "" {
			label = string(item.Role)
		}
		markers := ""
		if len(item.Markers) > 0 {
			markers = " [" + strings.Join(item.Markers, ",") + "]"
		}
		fmt.Printf("%.2f %-9s%s %s\n", item.Score, label, markers, item.Content)
	}
	return nil
}
