// Command relay runs the output-normalization engine: it ingests raw
// terminal streams from agent CLIs, folds them into one canonical event
// stream, and serves live session state over websocket and HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/backend/internal/config"
	"github.com/agent-relay/backend/internal/detect"
	"github.com/agent-relay/backend/internal/event"
	"github.com/agent-relay/backend/internal/host"
	"github.com/agent-relay/backend/internal/mock"
	"github.com/agent-relay/backend/internal/naming"
	"github.com/agent-relay/backend/internal/session"
	"github.com/agent-relay/backend/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Normalize agent CLI output into one canonical event stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), replayCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		port       int
		mockMode   bool
		dev        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			logger, err := buildLogger(dev)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runServe(cmd.Context(), cfg, mockMode, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "play scripted vendor streams instead of waiting for hosts")
	cmd.Flags().BoolVar(&dev, "dev", false, "human-readable logs")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, mockMode bool, logger *zap.Logger) error {
	store := session.NewStore()
	broadcaster := ws.NewBroadcaster(store,
		cfg.Broadcast.Throttle.Std(), cfg.Broadcast.SnapshotInterval.Std(),
		logger.Named("broadcast"))
	defer broadcaster.Stop()

	tracker := session.NewTracker(store, broadcaster.ObserveSession, logger.Named("tracker"))

	// Async detector results (the namer's, today) arrive outside any
	// ProcessOutput call, so they are folded and broadcast here directly.
	registry := detect.NewRegistry(logger.Named("detect"), detect.WithAsyncEmit(func(ev event.Event) {
		tracker.Apply([]event.Event{ev})
		broadcaster.QueueEvent(ev)
	}))

	review := detect.NewReviewDetector(logger.Named("review"))
	registry.RegisterDetector(detect.NewClaudeDetector(logger.Named("claude")))
	registry.RegisterDetector(detect.NewCodexDetector(logger.Named("codex")))
	registry.RegisterDetector(detect.NewLivenessDetector(logger.Named("liveness")))
	registry.RegisterDetector(review)

	if cfg.Namer.Enabled {
		namer, err := naming.NewGeminiNamer(os.Getenv("GEMINI_API_KEY"), cfg.Namer.Model)
		if err != nil {
			logger.Warn("namer disabled", zap.Error(err))
		} else {
			registry.RegisterDetector(detect.NewNamerDetector(namer, logger.Named("namer"),
				detect.WithNamerTiming(cfg.Namer.Debounce.Std(), cfg.Namer.Cooldown.Std())))
		}
	}

	registry.Subscribe(tracker.Apply)

	server := ws.NewServer(store, registry, review, tracker, broadcaster,
		cfg.Server.AllowedOrigins, cfg.Server.AuthToken, logger.Named("ws"))
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux, logger)
	})

	if cfg.Spool.Enabled {
		tailer := host.NewSpoolTailer(cfg.Spool.Dir, registry, broadcaster, logger.Named("spool"))
		g.Go(func() error { return ignoreCancel(tailer.Run(ctx)) })
	}
	if cfg.Sampler.Enabled {
		sampler := host.NewActivitySampler(store, tracker,
			cfg.Sampler.Interval.Std(), cfg.Sampler.CPUThreshold, logger.Named("sampler"))
		g.Go(func() error { return ignoreCancel(sampler.Run(ctx)) })
	}
	if mockMode {
		logger.Info("mock playback enabled")
		mock.NewGenerator(registry, broadcaster, logger.Named("mock")).Start(ctx)
	}

	return ignoreCancel(g.Wait())
}

func replayCmd() *cobra.Command {
	var (
		sessionID string
		chunkSize int
		exitCode  int
	)

	cmd := &cobra.Command{
		Use:   "replay <transcript>",
		Short: "Play a captured transcript through the detectors and print canonical events as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := detect.NewRegistry(zap.NewNop())
			registry.RegisterDetector(detect.NewClaudeDetector(nil))
			registry.RegisterDetector(detect.NewCodexDetector(nil))
			registry.RegisterDetector(detect.NewLivenessDetector(nil))

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			buf := make([]byte, chunkSize)
			for {
				n, readErr := f.Read(buf)
				if n > 0 {
					for _, ev := range registry.ProcessOutput(sessionID, string(buf[:n])) {
						if err := enc.Encode(ev); err != nil {
							return err
						}
					}
				}
				if readErr == io.EOF {
					break
				}
				if readErr != nil {
					return readErr
				}
			}

			for _, ev := range registry.OnExit(sessionID, exitCode) {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "replay", "session id stamped on events")
	cmd.Flags().IntVar(&chunkSize, "chunk", 4096, "read size, simulating terminal chunking")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "exit code delivered after the transcript ends")
	return cmd
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
