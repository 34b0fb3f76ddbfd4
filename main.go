package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"voicesfu/internal/httpapi"
	"voicesfu/internal/media"
	"voicesfu/internal/room"
	"voicesfu/internal/sessionreg"
	"voicesfu/internal/signaling"
	"voicesfu/internal/token"
	"voicesfu/internal/ws"
)

// graceWindow is the spec-mandated reconnect window (§4.2).
const graceWindow = 25 * time.Second

// devTokenSecret is used only when SFU_TOKEN_SECRET is unset; production
// deployments must override it.
const devTokenSecret = "dev-insecure-sfu-secret-change-me"

func main() {
	// Check for CLI subcommands before starting the server.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	grace := flag.Duration("grace", graceWindow, "peer reconnect grace window")
	rateLimit := flag.Float64("rate-limit", 50, "max request messages per second per connection")
	rateBurst := flag.Int("rate-burst", 50, "request-message burst allowance per connection")
	levelMaxEntries := flag.Int("level-max-entries", 10, "max simultaneously-speaking producers reported per tick")
	levelThresholdDBFS := flag.Float64("level-threshold-dbfs", -80, "audio level threshold for speaking detection")
	levelIntervalMS := flag.Int("level-interval-ms", 100, "level observer tick interval in milliseconds")
	metricsInterval := flag.Duration("metrics-interval", 30*time.Second, "room stats logging interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "3001")
	secret := envOr("SFU_TOKEN_SECRET", devTokenSecret)
	if secret == devTokenSecret {
		logger.Warn("SFU_TOKEN_SECRET not set; using insecure development default")
	}

	portMin := envUint16("SFU_MEDIA_PORT_MIN", 40000)
	portMax := envUint16("SFU_MEDIA_PORT_MAX", 49999)

	codec := token.NewCodec(secret)
	engine := media.NewPionEngine(media.PortRange{Min: portMin, Max: portMax})
	sessions := sessionreg.New(*grace)
	rooms := room.NewRegistry(engine, media.LevelObserverParams{
		MaxEntries:    *levelMaxEntries,
		ThresholdDBFS: *levelThresholdDBFS,
		Interval:      *levelIntervalMS,
	})
	core := signaling.NewCore(sessions, rooms, logger)

	wsCfg := ws.Config{PerConnRate: *rateLimit, PerConnBurst: *rateBurst}
	srv := httpapi.New(core, codec, wsCfg, sessions, rooms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go runMetrics(ctx, rooms, *metricsInterval)

	addr := ":" + port
	logger.Info("voicesfu server starting", "addr", addr)
	if err := srv.Run(ctx, addr); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint16(key string, def uint16) uint16 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return def
	}
	return uint16(n)
}
