package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Comcast/loom/engine"
	"github.com/Comcast/loom/interpreters"
	"github.com/Comcast/loom/persist"
	"github.com/Comcast/loom/persist/bolt"
	"github.com/Comcast/loom/persist/mem"
	"github.com/Comcast/loom/persist/sqlite"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loomd hosts a workflow engine behind a TCP line protocol, an HTTP
// and WebSocket API, and an MQTT announcer.  See doc.go in the repo
// root for the protocol.

func main() {

	var (
		configFile = flag.String("c", "", "configuration file")
		specDir    = flag.String("s", "", "specs directory (overrides config)")
		tcpAddr    = flag.String("t", "", "TCP listen address (overrides config)")
		stdin      = flag.Bool("I", false, "also listen for ops on stdin")
	)
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		panic(err)
	}
	if *specDir != "" {
		cfg.Service.SpecDir = *specDir
	}
	if *tcpAddr != "" {
		cfg.Service.TCPAddr = *tcpAddr
	}
	if *stdin {
		cfg.Service.Stdin = true
	}

	logger, err := newLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}

	eng := engine.New(storage, interpreters.Standard(), logger)

	s := NewService(eng, cfg.Service.SpecDir, logger)
	go s.run(ctx)

	if err := s.LoadSpecs(ctx); err != nil {
		logger.Fatal("loading specifications", zap.Error(err))
	}

	if cfg.Service.Recover {
		n, err := eng.Recover(ctx)
		if err != nil {
			logger.Fatal("recovering cases", zap.Error(err))
		}
		if 0 < n {
			logger.Info("recovered cases", zap.Int("cases", n))
		}
	}

	if cfg.MQTT.Broker != "" {
		go func() {
			if err := s.MQTTAnnouncer(ctx, cfg.MQTT); err != nil {
				logger.Error("mqtt announcer", zap.Error(err))
			}
		}()
	}

	if cfg.Service.TCPAddr != "" {
		go func() {
			if err := s.TCPService(ctx, cfg.Service.TCPAddr, cfg.Service.MaxConns); err != nil {
				logger.Error("tcp service", zap.Error(err))
			}
			cancel()
		}()
	}

	if cfg.Service.HTTPAddr != "" {
		go func() {
			if err := s.HTTPService(ctx, cfg.Service.HTTPAddr); err != nil {
				logger.Error("http service", zap.Error(err))
			}
			cancel()
		}()
	}

	if cfg.Service.Stdin {
		go func() {
			if err := s.Listen(ctx, bufio.NewReader(os.Stdin), os.Stdout, nil); err != nil {
				logger.Error("stdin listener", zap.Error(err))
			}
			cancel()
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("signal; shutting down")
	case <-ctx.Done():
	}
	cancel()

	sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := eng.Shutdown(sctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newLogger(cfg LoggerConfig) (*zap.Logger, error) {
	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

// openStorage picks the persist.Adapter.  Shutdown closes it.
func openStorage(cfg StorageConfig, logger *zap.Logger) (persist.Adapter, error) {
	switch cfg.Driver {
	case "", "mem":
		mode := persist.Transactional
		if cfg.Mode == "eventsourced" {
			mode = persist.EventSourced
		}
		return mem.NewMem(mode), nil
	case "bolt":
		st := bolt.New(cfg.Path, logger)
		if err := st.Open(); err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite":
		st := sqlite.New(cfg.Path, logger)
		if err := st.Open(); err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
