package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"cncserver/internal/config"
	"cncserver/internal/moni"
	"cncserver/internal/server"
	sqlitestore "cncserver/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.cncserver/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	logDirFlag := flag.String("logdir", "", "run log directory override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Server.Addr = firstNonEmpty(*addrFlag, cfg.Server.Addr)
	cfg.Server.DBPath = filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath))
	cfg.Server.LogDir = filepath.Clean(firstNonEmpty(*logDirFlag, cfg.Server.LogDir))

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(cfg.Server.LogDir, 0o755); err != nil {
		log.Fatalf("create log directory: %v", err)
	}

	logger := newLogger(cfg.Server.LogDir)
	defer func() {
		_ = logger.Sync()
	}()

	store, err := sqlitestore.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Fatalw("open sqlite store", "error", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatalw("migrate sqlite", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := moni.NewBus(256)
	moni.Pump(bus, moni.NewFileReporter(cfg.Server.LogDir), logger)
	moni.Pump(bus, moni.NewPromReporter(reg), logger)

	srv := server.New(logger, cfg, store, bus)
	go srv.Monitor(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infow("cncserver started",
		"addr", cfg.Server.Addr,
		"db", cfg.Server.DBPath,
		"logdir", cfg.Server.LogDir,
		"configs", len(cfg.RunConfigs),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalw("http server failed", "error", err)
	}
}

// newLogger writes structured logs to stderr and a rotating server log.
func newLogger(logDir string) *zap.SugaredLogger {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "cncserver.log"),
		MaxSize:    100,
		MaxBackups: 10,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr), zapcore.InfoLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rotator), zapcore.DebugLevel),
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
