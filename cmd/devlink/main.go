package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devlink/internal/app"
	"devlink/internal/bus"
	"devlink/internal/config"
	"devlink/internal/events"
)

const disconnectWaitTimeout = 2 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("run devlink", "error", err)
		os.Exit(1)
	}
}

func run() error {
	linkType := flag.String("link", "", "link type (serial, udp, emulated)")
	serialPort := flag.String("serial-port", "", "serial device path, e.g. /dev/ttyUSB0")
	serialBaud := flag.Int("baud", 0, "serial baud rate")
	udpHost := flag.String("host", "", "udp ip/hostname")
	udpPort := flag.Int("port", 0, "udp port")
	emulate := flag.Bool("emulate", false, "talk to a built-in emulated device (shorthand for --link emulated)")
	noPersist := flag.Bool("no-persist", false, "disable session history database")
	listenFor := flag.Duration("listen-for", 0, "exit after this duration, e.g. 30s (default: run until interrupt)")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	saveConfig := flag.Bool("save-config", false, "persist the effective configuration and exit")
	clearDB := flag.Bool("clear-db", false, "wipe the session history database and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(app.Name, app.BuildVersionWithDate())

		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, *linkType, *serialPort, *serialBaud, *udpHost, *udpPort, *emulate, *noPersist, *logLevel)

	if *saveConfig {
		if err := config.Save(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println("config written to", paths.ConfigFile)

		return nil
	}

	// The runtime gets its own lifetime so the process loop keeps running
	// through the clean disconnect after a signal; Close stops it.
	rt, err := app.InitializeWithConfig(context.Background(), paths, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()

	if *clearDB {
		if err := rt.ClearDatabase(); err != nil {
			return fmt.Errorf("clear database: %w", err)
		}
		slog.Info("session history cleared")

		return nil
	}

	logger := rt.LogManager.Logger("cli")
	logger.Info("devlink started",
		"version", app.BuildVersion(),
		"link", string(cfg.Link.Type),
		"persistence", cfg.Persistence.Enabled,
	)

	watch(ctx, rt.Bus, logger)

	if *listenFor > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*listenFor):
		}
	} else {
		<-ctx.Done()
	}

	disconnectCleanly(rt, logger)
	logSummary(rt, logger)

	return nil
}

// applyFlags lets command line flags override the stored configuration
// for a single run.
func applyFlags(cfg *config.AppConfig, linkType, serialPort string, serialBaud int, udpHost string, udpPort int, emulate, noPersist bool, logLevel string) {
	if emulate {
		cfg.Link.Type = config.LinkEmulated
	}
	if trimmed := strings.TrimSpace(linkType); trimmed != "" {
		cfg.Link.Type = config.LinkType(trimmed)
	}
	if trimmed := strings.TrimSpace(serialPort); trimmed != "" {
		cfg.Link.SerialPort = trimmed
	}
	if serialBaud > 0 {
		cfg.Link.SerialBaud = serialBaud
	}
	if trimmed := strings.TrimSpace(udpHost); trimmed != "" {
		cfg.Link.UDPHost = trimmed
	}
	if udpPort > 0 {
		cfg.Link.UDPPort = udpPort
	}
	if noPersist {
		cfg.Persistence.Enabled = false
	}
	if trimmed := strings.TrimSpace(logLevel); trimmed != "" {
		cfg.Logging.Level = trimmed
	}
}

// watch logs every connection lifecycle event until ctx is cancelled.
func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	sub := b.Subscribe(
		events.TopicConnStatus,
		events.TopicDeviceFound,
		events.TopicDeviceReady,
		events.TopicDeviceGone,
		events.TopicCommError,
		events.TopicBitrateSnapshot,
	)

	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				logEvent(logger, msg)
			}
		}
	}()
}

func logEvent(logger *slog.Logger, msg any) {
	switch ev := msg.(type) {
	case events.ConnStatus:
		logger.Info("conn", "state", ev.State, "transport", ev.TransportName, "error", ev.Err)
	case events.DeviceFound:
		logger.Info("device found", "name", ev.DisplayName, "firmware_id", fmt.Sprintf("%x", ev.FirmwareID))
	case events.DeviceReady:
		logger.Info("session established",
			"session_id", fmt.Sprintf("%08x", ev.SessionID),
			"max_bitrate", ev.Params.MaxBitrate,
			"heartbeat_timeout_ms", ev.Params.HeartbeatTimeout,
		)
	case events.DeviceGone:
		logger.Info("device gone", "session_id", fmt.Sprintf("%08x", ev.SessionID), "reason", ev.Reason)
	case events.CommError:
		logger.Warn("comm error", "message", ev.Message, "count", ev.Count)
	case events.BitrateSnapshot:
		if ev.AverageBps > 0 {
			logger.Debug("bitrate", "average_bps", fmt.Sprintf("%.0f", ev.AverageBps))
		}
	}
}

// disconnectCleanly tears down an established session before shutdown so
// the device frees its slot instead of waiting out the heartbeat timeout.
func disconnectCleanly(rt *app.Runtime, logger *slog.Logger) {
	if rt.StatusStore.Session() == nil {
		return
	}

	done := make(chan struct{})
	rt.Handler.RequestDisconnect(func() { close(done) })

	select {
	case <-done:
		logger.Info("session closed")
	case <-time.After(disconnectWaitTimeout):
		logger.Warn("disconnect timed out, closing link anyway")
	}
}

func logSummary(rt *app.Runtime, logger *slog.Logger) {
	status := rt.StatusStore.Status()
	logger.Info("final state", "state", status.State, "transport", status.TransportName)
	if device := rt.StatusStore.Device(); device != nil {
		logger.Info("last device", "name", device.DisplayName, "firmware_id", device.FirmwareID)
	}
}
