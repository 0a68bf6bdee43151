package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nebaura-Labs/mote-sub000/internal/config"
	"github.com/Nebaura-Labs/mote-sub000/internal/gateway"
	"github.com/Nebaura-Labs/mote-sub000/internal/keystore"
	"github.com/Nebaura-Labs/mote-sub000/internal/logging"
	"github.com/Nebaura-Labs/mote-sub000/internal/server"
	"github.com/Nebaura-Labs/mote-sub000/internal/speech"
	"github.com/Nebaura-Labs/mote-sub000/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	ks := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, ks, passphrase)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	transcriberKey, err := cfg.TranscriberKey()
	if err != nil {
		logger.Fatal("transcriber api key unavailable", zap.Error(err))
	}
	synthesizerKey, err := cfg.SynthesizerKey()
	if err != nil {
		logger.Fatal("synthesizer api key unavailable", zap.Error(err))
	}

	transcriber, err := speech.NewDeepgramTranscriber(speech.DeepgramConfig{
		URL:        cfg.Speech.TranscriberURL,
		APIKey:     transcriberKey,
		Model:      cfg.Speech.TranscriberModel,
		Language:   cfg.Speech.Language,
		SampleRate: cfg.Speech.SampleRate,
	}, logger)
	if err != nil {
		logger.Fatal("build transcriber", zap.Error(err))
	}
	synthesizer, err := speech.NewElevenLabsSynthesizer(speech.ElevenLabsConfig{
		BaseURL: cfg.Speech.SynthesizerURL,
		APIKey:  synthesizerKey,
		ModelID: cfg.Speech.SynthesizerModel,
	}, logger)
	if err != nil {
		logger.Fatal("build synthesizer", zap.Error(err))
	}

	engine, err := voice.NewEngine(voice.EngineConfig{
		Log:                 logger,
		Transcriber:         transcriber,
		Synthesizer:         synthesizer,
		Metrics:             voice.NewMetrics(reg),
		WakePhrase:          cfg.Voice.WakePhrase,
		Voice:               cfg.Voice.Voice,
		AudioFormat:         cfg.Voice.AudioFormat,
		ConversationTimeout: cfg.Voice.ConversationTimeout,
	})
	if err != nil {
		logger.Fatal("build voice engine", zap.Error(err))
	}

	pool := gateway.NewPool(gateway.PoolConfig{
		Log:     logger,
		Metrics: gateway.NewMetrics(reg),
	})

	srv, err := server.New(cfg, server.Deps{
		Log:      logger,
		Engine:   engine,
		Pool:     pool,
		Keystore: ks,
		Registry: reg,
	})
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}
