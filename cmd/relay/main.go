package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/target-relay/internal/camera"
	"github.com/dj-oyu/target-relay/internal/camera/capture"
	"github.com/dj-oyu/target-relay/internal/config"
	"github.com/dj-oyu/target-relay/internal/detector/dnn"
	"github.com/dj-oyu/target-relay/internal/detector/knn"
	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/monitor"
	"github.com/dj-oyu/target-relay/internal/session"
	"github.com/dj-oyu/target-relay/internal/source"
	"github.com/dj-oyu/target-relay/internal/telemetry"
	"github.com/dj-oyu/target-relay/pkg/types"
)

// Relay wires the session to its camera, detector, link and servers
type Relay struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	session    *session.Session
	link       link.Link
	bridge     *link.DataChannelBridge
	monitor    *monitor.Server
	telemetry  *telemetry.Kafka
	httpServer *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	if err := config.LoadEnv(&cfg); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	config.BindFlags(flag.CommandLine, &cfg)
	flag.Parse()
	cfg.Backfill()

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "Target relay starting...")
	logger.Info("Main", "Log level: %s", level)

	relay, err := NewRelay(cfg)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}
	relay.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := relay.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Relay stopped")
}

// NewRelay builds every component from cfg
func NewRelay(cfg config.Config) (*Relay, error) {
	fit, err := display.ParseFitMode(cfg.FitMode)
	if err != nil {
		return nil, err
	}
	mirror, err := display.ParseMirrorPolicy(cfg.Mirror)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	cam, err := newCamera(cfg)
	if err != nil {
		return nil, err
	}

	lk, bridge, err := newLink(cfg, m)
	if err != nil {
		return nil, err
	}

	dims := types.Dimensions{Width: cfg.DisplayWidth, Height: cfg.DisplayHeight}

	sess := session.New(session.Config{
		Display:          dims,
		Fit:              fit,
		Mirror:           mirror,
		ThresholdPercent: cfg.ThresholdPercent,
		AllowList:        cfg.AllowList,
		Facing:           types.Facing(cfg.Facing),
		SendInterval:     cfg.SendInterval,
		RefreshInterval:  cfg.RefreshInterval,
		SwitchDelay:      cfg.SwitchDelay,
		ReadyPoll:        cfg.ReadyPoll,
		ReadyTimeout:     cfg.ReadyTimeout,
	}, cam, newLoader(cfg), lk, m)

	monCfg := monitor.DefaultConfig()
	monCfg.Display = dims
	var signaler monitor.Signaler
	if bridge != nil {
		signaler = bridge
	}
	mon, err := monitor.NewServer(monCfg, sess, signaler, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	sess.AddListener(mon.Transmissions())

	var kafka *telemetry.Kafka
	if cfg.Kafka.Enabled() {
		kafka, err = telemetry.NewKafka(cfg.Kafka, telemetry.NewSessionID(), m)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry producer: %w", err)
		}
		sess.AddListener(kafka)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		metrics:   m,
		session:   sess,
		link:      lk,
		bridge:    bridge,
		monitor:   mon,
		telemetry: kafka,
		httpServer: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: mon.Handler(),
		},
	}, nil
}

func newCamera(cfg config.Config) (source.Camera, error) {
	if cfg.CameraKind == config.CameraStill {
		var user, env image.Image
		var err error
		if cfg.StillUser != "" {
			if user, err = camera.LoadImage(cfg.StillUser); err != nil {
				return nil, err
			}
		}
		if cfg.StillEnvironment != "" {
			if env, err = camera.LoadImage(cfg.StillEnvironment); err != nil {
				return nil, err
			}
		}
		return camera.NewStill(user, env, 0), nil
	}
	return capture.NewDevice(capture.DeviceConfig{
		UserDevice:        cfg.UserDevice,
		EnvironmentDevice: cfg.EnvironmentDevice,
		Width:             cfg.CaptureWidth,
		Height:            cfg.CaptureHeight,
	}), nil
}

func newLoader(cfg config.Config) source.Loader {
	if cfg.DetectorKind == config.DetectorKNN {
		return knn.Loader(knn.Config{SamplesPath: cfg.SamplesPath})
	}
	return dnn.Loader(dnn.Config{
		ModelPath:  cfg.ModelPath,
		ConfigPath: cfg.ModelConfigPath,
		LabelsPath: cfg.LabelsPath,
		Layout:     dnn.Layout(cfg.ModelLayout),
		InputSize:  cfg.ModelInputSize,
	})
}

func newLink(cfg config.Config, m *metrics.Metrics) (link.Link, *link.DataChannelBridge, error) {
	switch cfg.LinkKind {
	case config.LinkTCP:
		return link.NewStream("tcp "+cfg.TCPAddr, link.TCPDialer(cfg.TCPAddr), m), nil, nil
	case config.LinkStdout:
		return link.NewStream("stdout", link.WriterDialer(os.Stdout), m), nil, nil
	case config.LinkWebRTC:
		bridge := link.NewDataChannelBridge(cfg.STUNServers, cfg.DataChannelLabel)
		return link.NewStream("webrtc "+cfg.DataChannelLabel, bridge.Dialer(), m), bridge, nil
	case config.LinkSerial:
		if ports, err := link.SerialPorts(); err == nil {
			logger.Debug("Main", "Serial ports: %v", ports)
		}
		return link.NewStream("serial "+cfg.SerialPort, link.SerialDialer(cfg.SerialPort, cfg.BaudRate), m), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid link kind: %s", cfg.LinkKind)
	}
}

// Start starts the session loop and the servers
func (r *Relay) Start() {
	logger.Info("Main", "  Camera: %s (facing %s)", r.cfg.CameraKind, r.cfg.Facing)
	logger.Info("Main", "  Detector: %s", r.cfg.DetectorKind)
	logger.Info("Main", "  Link: %s", r.link.Name())
	logger.Info("Main", "  Monitor: %s", r.cfg.HTTPAddr)

	if r.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", r.cfg.MetricsAddr)
			if err := r.metrics.StartServer(r.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting monitor on %s", r.cfg.HTTPAddr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "Monitor server error: %v", err)
		}
	}()
	r.monitor.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.session.Run(r.ctx); err != nil {
			logger.Error("Main", "Session stopped: %v", err)
		}
	}()

	if r.cfg.AutoConnect {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			defer cancel()
			if err := r.session.ConnectLink(ctx); err != nil {
				logger.Warn("Main", "Auto-connect failed: %v", err)
			}
		}()
	}
}

// Shutdown stops the session, which sends a final stop while the link is
// still up, then tears down the link and the servers.
func (r *Relay) Shutdown() error {
	r.cancel()
	r.wg.Wait()

	var errs []error
	if err := r.link.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if r.bridge != nil {
		if err := r.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.telemetry != nil {
		r.telemetry.Close(5 * time.Second)
	}
	r.monitor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
