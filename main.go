package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "0.1.0"

const defaultConfigPath = "/etc/hawck/inputd.yml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cfg, err := LoadConfig(defaultConfigPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("hawck-inputd: initializing keys directory %s\n", cfg.KeysDir)
			if err := initKeysDir(cfg.KeysDir); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("hawck-inputd: keys directory initialized")
			return
		case "version":
			fmt.Printf("hawck-inputd %s\n", version)
			return
		}
	}

	configPath := flag.String("config", defaultConfigPath, "path to the daemon config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "hawck-inputd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg, debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	// The synthetic device is the one thing the daemon cannot run
	// without; everything after this is recoverable.
	udev, err := NewUDevice(cfg.UDeviceName)
	if err != nil {
		return fmt.Errorf("create synthetic device: %w", err)
	}
	defer udev.Close()
	udev.SetEventDelay(cfg.EventDelayUs)

	com := NewKbdCom(cfg.Socket, log)
	if err := com.Connect(); err != nil {
		log.Warnw("Macro daemon not reachable yet, connecting lazily", "error", err)
	}

	daemon, err := NewKBDDaemon(cfg, udev, com, log)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer daemon.Close()

	devices := cfg.Devices
	if len(devices) == 0 {
		devices, err = FindKeyboards()
		if err != nil {
			return fmt.Errorf("find keyboards: %w", err)
		}
	}
	if len(devices) == 0 {
		return fmt.Errorf("no keyboard devices found")
	}
	for _, path := range devices {
		if err := daemon.AddDevice(path); err != nil {
			log.Errorw("Unable to open device", "path", path, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("Started hawck-inputd", "version", version, "devices", len(devices))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(ctx)
	})
	g.Go(func() error {
		return systemdNotifyLoop(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("Shutting down")
		return nil
	}
	return err
}

// systemdNotifyLoop tells systemd we are ready and keeps the watchdog
// fed; it exits silently when not running under systemd.
func systemdNotifyLoop(ctx context.Context) error {
	supported, err := sd.SdNotify(false, sd.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("notify systemd: %w", err)
	}
	if !supported {
		return nil
	}

	t, err := sd.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("check watchdog: %w", err)
	}
	if t == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(t / 2):
			_, err := sd.SdNotify(false, sd.SdNotifyWatchdog)
			if err != nil {
				return fmt.Errorf("notify watchdog: %w", err)
			}
		}
	}
}

// newLogger builds the daemon logger: console on stdout, optionally teed
// into a size-rotated log file.
func newLogger(cfg *Config, debug bool) (*zap.SugaredLogger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.OutputPaths = []string{"stdout"}
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !debug {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.LogFile == "" {
		logger, err := loggerConfig.Build()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		return logger.Sugar(), nil
	}

	sink := zapcore.NewMultiWriteSyncer(
		zapcore.AddSync(os.Stdout),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
		}),
	)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(loggerConfig.EncoderConfig),
		sink,
		loggerConfig.Level,
	)
	return zap.New(core).Sugar(), nil
}
