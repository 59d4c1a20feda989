package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devlink/internal/bus"
	"devlink/internal/comm"
	"devlink/internal/config"
	"devlink/internal/device"
	"devlink/internal/domain"
	"devlink/internal/emulator"
	"devlink/internal/events"
	"devlink/internal/logging"
	"devlink/internal/persistence"
	"devlink/internal/transport"
)

// processInterval is the pace of the cooperative protocol loop. It must
// stay well under the throttler's estimation window.
const processInterval = 5 * time.Millisecond

// bitrateSnapshotInterval is how often the measured link bitrate is
// published on the bus.
const bitrateSnapshotInterval = time.Second

// Runtime wires the whole stack together: config, logging, transport,
// the protocol state machines, the event bus, and session persistence.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	DeviceRepo    *persistence.DeviceRepo
	SessionRepo   *persistence.SessionRepo
	ConnEventRepo *persistence.ConnEventRepo
	WriterQueue   *persistence.WriterQueue

	StatusStore *domain.StatusStore

	Link     transport.Transport
	Handler  *device.Handler
	emulated *emulator.Device

	loopWG sync.WaitGroup
}

func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	return InitializeWithConfig(parent, paths, cfg)
}

func InitializeWithConfig(parent context.Context, paths Paths, cfg config.AppConfig) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting devlink runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b

	statusStore := domain.NewStatusStore()
	statusStore.Start(ctx, b)
	rt.StatusStore = statusStore

	if cfg.Persistence.Enabled {
		dbPath := cfg.Persistence.Path
		if dbPath == "" {
			dbPath = paths.DBFile
		}
		db, err := persistence.Open(ctx, dbPath)
		if err != nil {
			_ = rt.Close()

			return nil, err
		}
		rt.DB = db
		rt.DeviceRepo = persistence.NewDeviceRepo(db)
		rt.SessionRepo = persistence.NewSessionRepo(db)
		rt.ConnEventRepo = persistence.NewConnEventRepo(db)

		writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), 512)
		writerQueue.Start(ctx)
		rt.WriterQueue = writerQueue

		recorder := persistence.NewRecorder(logMgr.Logger("persistence"), writerQueue,
			rt.DeviceRepo, rt.SessionRepo, rt.ConnEventRepo)
		recorder.Start(ctx, b)
	}

	link, transportName, err := rt.buildLink(cfg.Link, logMgr)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	if err := link.Initialize(); err != nil {
		_ = rt.Close()

		return nil, fmt.Errorf("initialize %s link: %w", cfg.Link.Type, err)
	}
	rt.Link = link

	commHandler := comm.NewHandler(logMgr.Logger("comm"), link, nil, nil)
	if cfg.Timing.ResponseTimeoutMillis > 0 {
		commHandler.SetResponseTimeout(time.Duration(cfg.Timing.ResponseTimeoutMillis) * time.Millisecond)
	}
	dispatcher := comm.NewDispatcher(logMgr.Logger("dispatcher"))
	rt.Handler = device.NewHandler(logMgr.Logger("device"), commHandler, dispatcher, nil, b, transportName)
	if cfg.Timing.DiscoverIntervalMillis > 0 {
		rt.Handler.SetDiscoverInterval(time.Duration(cfg.Timing.DiscoverIntervalMillis) * time.Millisecond)
	}

	rt.startLoop(ctx)

	return rt, nil
}

// buildLink constructs the configured transport. Emulated mode wires an
// in-process device behind a queue link pair.
func (r *Runtime) buildLink(link config.LinkConfig, logMgr *logging.Manager) (transport.Transport, string, error) {
	switch link.Type {
	case config.LinkSerial:
		name := fmt.Sprintf("serial:%s", link.SerialPort)

		return transport.NewSerialTransport(link.SerialPort, link.SerialBaud), name, nil

	case config.LinkUDP:
		name := fmt.Sprintf("udp:%s", link.UDPAddress())

		return transport.NewUDPTransport(link.UDPHost, link.UDPPort), name, nil

	case config.LinkEmulated:
		host, devLink := transport.NewPair("emulated")
		if err := devLink.Initialize(); err != nil {
			return nil, "", fmt.Errorf("initialize emulated device link: %w", err)
		}
		r.emulated = emulator.New(logMgr.Logger("emulator"), devLink, emulator.DefaultConfig())
		r.emulated.Start()

		return host, "emulated", nil

	default:
		return nil, "", fmt.Errorf("unknown link type: %s", link.Type)
	}
}

// startLoop runs the cooperative processing loop on its own goroutine.
// The device handler and everything below it are single-owner, so this
// is the only goroutine that touches them.
func (r *Runtime) startLoop(ctx context.Context) {
	r.loopWG.Add(1)
	go func() {
		defer r.loopWG.Done()
		ticker := time.NewTicker(processInterval)
		defer ticker.Stop()
		bitrateTicker := time.NewTicker(bitrateSnapshotInterval)
		defer bitrateTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Handler.Process()
			case <-bitrateTicker.C:
				r.Bus.Publish(events.TopicBitrateSnapshot, events.BitrateSnapshot{
					AverageBps: r.Handler.AverageBitrate(),
					Timestamp:  time.Now(),
				})
			}
		}
	}()
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.loopWG.Wait()
	if r.emulated != nil {
		r.emulated.Stop()
	}
	if r.Link != nil {
		r.Link.Destroy()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}

func (r *Runtime) ClearDatabase() error {
	if r.DB == nil {
		return fmt.Errorf("database is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return persistence.ClearDatabase(ctx, r.DB)
}
