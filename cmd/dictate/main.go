package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-dictation/internal/audio"
	"github.com/lexiqai/voice-dictation/internal/config"
	"github.com/lexiqai/voice-dictation/internal/dictation"
	"github.com/lexiqai/voice-dictation/internal/mic"
	"github.com/lexiqai/voice-dictation/internal/observability"
	"github.com/lexiqai/voice-dictation/internal/relay"
	"github.com/lexiqai/voice-dictation/internal/resilience"
	"github.com/lexiqai/voice-dictation/internal/stt"
)

func main() {
	listDevices := flag.Bool("list-devices", false, "print available input devices and exit")
	flag.Parse()

	if *listDevices {
		names, err := mic.ListInputs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list input devices: %v\n", err)
			os.Exit(1)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.TranscribeModel).
		Str("language", cfg.TranscribeLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice dictation starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Voice dictation failed")
	}
	logger.Info().Msg("Voice dictation exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := audio.NewEngine(mic.NewOpener(observability.WithComponent("mic")), engineConfig(cfg), logger)
	defer engine.Close()

	client := stt.NewClient(sttConfig(cfg), stt.WithLogger(observability.WithComponent("stt")))
	defer client.Close()

	if err := connect(ctx, cfg, client, logger); err != nil {
		return err
	}

	ctrl := dictation.New(engine, client, cfg.FinalTimeout, observability.WithComponent("dictation"))
	defer ctrl.Close()

	hub := relay.NewHub(ctrl, observability.WithComponent("relay"))
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"transcription_session": func(ctx context.Context) (bool, error) {
			if st := client.State(); !st.Ready() {
				return false, fmt.Errorf("session is %s", st)
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("events", fmt.Sprintf("ws://localhost:%s/events", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	partials, unsubPartials := client.Partials()
	finals, unsubFinals := client.NextFinal()
	status, unsubStatus := client.Status()
	sessionErrs, unsubSessionErrs := client.Errors()
	levels, unsubLevels := engine.Levels()
	captureErrs, unsubCaptureErrs := engine.Errors()
	defer func() {
		unsubPartials()
		unsubFinals()
		unsubStatus()
		unsubSessionErrs()
		unsubLevels()
		unsubCaptureErrs()
	}()

	g.Go(func() error {
		return ignoreCanceled(hub.Forward(gctx, relay.Sources{
			Partials: partials,
			Finals:   finals,
			Levels:   levels,
			Status:   status,
			Errors:   sessionErrs,
		}))
	})
	g.Go(func() error {
		return ignoreCanceled(hub.Forward(gctx, relay.Sources{Errors: captureErrs}))
	})

	g.Go(func() error {
		return interact(gctx, ctrl, client, logger)
	})

	return g.Wait()
}

func engineConfig(cfg *config.Config) audio.EngineConfig {
	// Validated by config.Load.
	mode, _ := audio.ParseGainMode(cfg.GainMode)

	ec := audio.DefaultEngineConfig()
	ec.DeviceName = cfg.AudioDevice
	ec.BurstBytes = cfg.AudioBurstFrames * audio.BytesPerSample
	ec.Gain = audio.GainConfig{
		Mode:         mode,
		ManualGainDB: cfg.GainManualDB,
		TargetRMS:    cfg.GainTargetRMS,
	}
	ec.VAD = &audio.VADConfig{
		SpeechThreshold: cfg.LevelSpeechThreshold,
		SilenceFrames:   cfg.LevelSilenceFrames,
	}
	return ec
}

func sttConfig(cfg *config.Config) stt.Config {
	sc := stt.DefaultConfig()
	sc.URL = cfg.RealtimeURL
	sc.Language = cfg.TranscribeLanguage
	sc.TurnDetection = &stt.TurnDetection{
		Type:              "server_vad",
		Threshold:         cfg.VADThreshold,
		PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		SilenceDurationMs: cfg.VADSilenceDurationMs,
	}
	sc.MinCommit = cfg.MinCommit()
	sc.RateLimitBackoff = cfg.RateLimitBackoff()
	sc.BreakerMaxFailures = cfg.CircuitBreakerMaxFailures
	sc.BreakerReset = time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	return sc
}

// connect opens the transcription session, retrying transient failures
// within CONNECT_TIMEOUT.
func connect(ctx context.Context, cfg *config.Config, client *stt.Client, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	retryCfg.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Connect failed, retrying")
	}

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return client.Connect(ctx, cfg.OpenAIAPIKey, cfg.TranscribeModel)
	}, retryCfg, resilience.IsRetryableNetworkError)
	if err != nil {
		return fmt.Errorf("connect to transcription service: %w", err)
	}
	return nil
}

// interact toggles recording on Enter. Partials go to stderr and the final
// transcript of each take to stdout.
func interact(ctx context.Context, ctrl *dictation.Controller, client *stt.Client, logger zerolog.Logger) error {
	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	partials, unsubscribe := client.Partials()
	defer unsubscribe()

	type result struct {
		tr  stt.Transcript
		err error
	}
	results := make(chan result, 1)

	fmt.Fprintln(os.Stderr, "Press Enter to start dictating, Enter again to stop. Ctrl+C quits.")
	for {
		select {
		case <-ctx.Done():
			return nil

		case tr, ok := <-partials:
			if ok {
				fmt.Fprint(os.Stderr, tr.Text)
			}

		case res := <-results:
			switch {
			case errors.Is(res.err, dictation.ErrNoTranscript):
				fmt.Fprintln(os.Stderr, "(no transcription)")
			case res.err != nil:
				logger.Debug().Err(res.err).Msg("Stopped waiting for transcript")
			default:
				fmt.Println(res.tr.Text)
			}

		case <-lines:
			if !ctrl.Active() {
				if err := ctrl.Start(ctx); err != nil {
					logger.Error().Err(err).Msg("Failed to start dictation")
					continue
				}
				fmt.Fprintln(os.Stderr, "Recording...")
				continue
			}

			if err := ctrl.Stop(); err != nil {
				logger.Error().Err(err).Msg("Failed to stop dictation")
				continue
			}
			fmt.Fprintln(os.Stderr)

			// A new take started meanwhile ends this wait with ErrNoTranscript.
			go func() {
				tr, err := ctrl.AwaitFinal(ctx)
				select {
				case results <- result{tr: tr, err: err}:
				case <-ctx.Done():
				}
			}()
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
