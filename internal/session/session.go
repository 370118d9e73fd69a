// Package session runs the detection-to-link pipeline. A single loop
// goroutine owns all mutable pipeline state; control requests are executed on
// that goroutine as commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/target-relay/internal/detect"
	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/link"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/metrics"
	"github.com/dj-oyu/target-relay/internal/source"
	"github.com/dj-oyu/target-relay/internal/throttle"
	"github.com/dj-oyu/target-relay/pkg/types"
)

// Validation errors returned by StartDetection and the settings commands
var (
	ErrModelLoading   = errors.New("detection model is still loading")
	ErrModelFailed    = errors.New("detection model failed to load")
	ErrLinkDown       = errors.New("link not connected")
	ErrEmptyAllowList = errors.New("no labels selected")
	ErrSourceNotReady = errors.New("camera not ready")
	ErrUnknownLabel   = errors.New("unknown label")
	ErrThreshold      = errors.New("threshold must be within 0..100")
	ErrClosed         = errors.New("session closed")
)

// Config holds the pipeline settings
type Config struct {
	Display          types.Dimensions
	Fit              display.FitMode
	Mirror           display.MirrorPolicy
	ThresholdPercent float64
	AllowList        []string
	Catalog          []string // Labels accepted before the detector has loaded
	Facing           types.Facing
	SendInterval     time.Duration
	RefreshInterval  time.Duration
	InferencePoll    time.Duration
	SwitchDelay      time.Duration
	ReadyPoll        time.Duration
	ReadyTimeout     time.Duration
	Now              func() time.Time
}

func (c *Config) backfill() {
	if c.Display.IsZero() {
		c.Display = types.Dimensions{Width: 400, Height: 300}
	}
	if c.Fit == "" {
		c.Fit = display.FitStretch
	}
	if c.Mirror == "" {
		c.Mirror = display.MirrorAuto
	}
	if c.Catalog == nil {
		c.Catalog = detect.COCOLabels
	}
	if c.Facing == "" {
		c.Facing = types.FacingUser
	}
	if c.SendInterval <= 0 {
		c.SendInterval = throttle.DefaultInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 16 * time.Millisecond
	}
	if c.InferencePoll <= 0 {
		c.InferencePoll = 5 * time.Millisecond
	}
	if c.SwitchDelay <= 0 {
		c.SwitchDelay = 500 * time.Millisecond
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = 100 * time.Millisecond
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type command struct {
	fn    func() error
	reply chan error
}

type loadResult struct {
	detector source.Detector
	err      error
}

type switchResult struct {
	gen uint64
	err error
}

// Session is the relay pipeline
type Session struct {
	cfg     Config
	camera  source.Camera
	loader  source.Loader
	link    link.Link
	metrics *metrics.Metrics

	cmds     chan command
	loaded   chan loadResult
	switched chan switchResult
	done     chan struct{}
	started  atomic.Bool

	cache source.Cache
	view  atomic.Pointer[View]

	listenersMu sync.RWMutex
	listeners   []Listener

	switchGen atomic.Uint64
	cameraMu  sync.Mutex // serializes camera close/open sequences
	wg        sync.WaitGroup

	// Owned by the loop goroutine
	runCtx      context.Context
	throttle    *throttle.Throttle
	allow       *detect.AllowList
	threshold   float64
	mirror      display.MirrorPolicy
	mapper      display.Mapper
	facing      types.Facing
	active      bool
	detector    source.Detector
	loadErr     error
	switching   bool
	rearm       bool
	inferCancel context.CancelFunc
	last        *Transmission
}

// New creates a session. lk must not be nil; m may be nil.
func New(cfg Config, camera source.Camera, loader source.Loader, lk link.Link, m *metrics.Metrics) *Session {
	cfg.backfill()
	if m == nil {
		m = metrics.New()
	}
	s := &Session{
		cfg:       cfg,
		camera:    camera,
		loader:    loader,
		link:      lk,
		metrics:   m,
		cmds:      make(chan command),
		loaded:    make(chan loadResult, 1),
		switched:  make(chan switchResult, 1),
		done:      make(chan struct{}),
		throttle:  throttle.New(cfg.SendInterval, lk),
		allow:     detect.NewAllowList(cfg.AllowList...),
		threshold: cfg.ThresholdPercent,
		mirror:    cfg.Mirror,
		mapper:    display.NewMapper(cfg.Display, cfg.Fit),
		facing:    cfg.Facing,
	}
	s.view.Store(&View{Status: s.status(types.Dimensions{}, nil, nil)})
	return s
}

// AddListener registers l for transmissions. Safe to call at any time.
func (s *Session) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// View returns the latest snapshot
func (s *Session) View() *View {
	return s.view.Load()
}

// Status returns the latest status
func (s *Session) Status() Status {
	return s.view.Load().Status
}

// Link returns the outbound link
func (s *Session) Link() link.Link {
	return s.link
}

// Run drives the session until ctx is cancelled. The detector loads in the
// background and the camera is opened for the initial facing.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	s.runCtx = ctx

	s.wg.Add(1)
	go s.load(ctx)
	s.beginOpen(ctx, false, 0)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	logger.Info("Session", "Running (display=%dx%d fit=%s interval=%v)",
		s.cfg.Display.Width, s.cfg.Display.Height, s.cfg.Fit, s.cfg.SendInterval)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case cmd := <-s.cmds:
			err := cmd.fn()
			s.refresh(s.cfg.Now(), false)
			cmd.reply <- err

		case res := <-s.loaded:
			s.detector, s.loadErr = res.detector, res.err
			if res.err != nil {
				logger.Error("Session", "Detector failed to load: %v", res.err)
			} else {
				logger.Info("Session", "Detector ready: %s (%d labels)", res.detector.Name(), len(res.detector.Labels()))
			}

		case res := <-s.switched:
			s.finishSwitch(res)

		case <-ticker.C:
			s.refresh(s.cfg.Now(), true)
		}
	}
}

func (s *Session) load(ctx context.Context) {
	defer s.wg.Done()
	if s.loader == nil {
		s.loaded <- loadResult{err: errors.New("no detector configured")}
		return
	}

	start := time.Now()
	det, err := s.loader(ctx)
	if err == nil {
		logger.Debug("Session", "Detector loaded in %v", time.Since(start))
	}

	select {
	case s.loaded <- loadResult{detector: det, err: err}:
	case <-ctx.Done():
		if det != nil {
			_ = det.Close()
		}
	}
}

func (s *Session) shutdown() {
	if s.active {
		s.deactivate()
		s.record(s.throttle.ForceStop(s.cfg.Now()), detect.Selection{})
	}
	s.switchGen.Add(1)
	close(s.done)
	s.wg.Wait()

	s.cameraMu.Lock()
	if err := s.camera.Close(); err != nil {
		logger.Warn("Session", "Camera close failed: %v", err)
	}
	s.cameraMu.Unlock()

	// A detector delivered after the last loop iteration is still ours
	select {
	case res := <-s.loaded:
		s.detector = res.detector
	default:
	}
	if s.detector != nil {
		if err := s.detector.Close(); err != nil {
			logger.Warn("Session", "Detector close failed: %v", err)
		}
	}
	logger.Info("Session", "Stopped")
}

// do runs fn on the loop goroutine and returns its error
func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// StartDetection validates the pipeline preconditions and activates detection.
// Nothing starts when validation fails.
func (s *Session) StartDetection(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.active {
			return nil
		}
		if s.loadErr != nil {
			return fmt.Errorf("%w: %v", ErrModelFailed, s.loadErr)
		}
		if s.detector == nil {
			return ErrModelLoading
		}
		if !s.link.IsConnected() {
			return ErrLinkDown
		}
		if s.allow.Len() == 0 {
			return ErrEmptyAllowList
		}
		if s.switching || s.camera.Dimensions().IsZero() {
			return ErrSourceNotReady
		}
		s.activate()
		return nil
	})
}

// StopDetection deactivates detection, clears the detections and sends one
// stop message regardless of the send gate
func (s *Session) StopDetection(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.rearm = false
		s.deactivate()
		res := s.throttle.ForceStop(s.cfg.Now())
		s.record(res, detect.Selection{})
		return nil
	})
}

// AddLabel adds a known label to the allow-list
func (s *Session) AddLabel(ctx context.Context, label string) error {
	return s.do(ctx, func() error {
		if !detect.KnownLabel(s.catalog(), label) {
			return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
		}
		if s.allow.Add(label) {
			logger.Info("Session", "Tracking %q", label)
		}
		return nil
	})
}

// RemoveLabel removes a label from the allow-list
func (s *Session) RemoveLabel(ctx context.Context, label string) error {
	return s.do(ctx, func() error {
		if s.allow.Remove(label) {
			logger.Info("Session", "No longer tracking %q", label)
		}
		return nil
	})
}

// SetThreshold sets the inclusive confidence threshold in percent
func (s *Session) SetThreshold(ctx context.Context, percent float64) error {
	return s.do(ctx, func() error {
		if math.IsNaN(percent) || percent < 0 || percent > 100 {
			return ErrThreshold
		}
		s.threshold = percent
		return nil
	})
}

// SetMirror changes the mirror policy
func (s *Session) SetMirror(ctx context.Context, policy display.MirrorPolicy) error {
	return s.do(ctx, func() error {
		p, err := display.ParseMirrorPolicy(string(policy))
		if err != nil {
			return err
		}
		s.mirror = p
		return nil
	})
}

// Labels returns the labels the allow-list accepts
func (s *Session) Labels(ctx context.Context) ([]string, error) {
	var labels []string
	err := s.do(ctx, func() error {
		labels = append([]string(nil), s.catalog()...)
		return nil
	})
	return labels, err
}

// ConnectLink connects the outbound link. It does not involve the loop, so a
// slow transport does not stall rendering.
func (s *Session) ConnectLink(ctx context.Context) error {
	err := s.link.Connect(ctx)
	if errors.Is(err, link.ErrAlreadyConnected) {
		return nil
	}
	return err
}

// DisconnectLink closes the outbound link. Detection stays active; attempts
// report Failed until the link is back.
func (s *Session) DisconnectLink() error {
	return s.link.Disconnect()
}

func (s *Session) catalog() []string {
	if s.detector != nil {
		return s.detector.Labels()
	}
	return s.cfg.Catalog
}

func (s *Session) activate() {
	s.active = true
	s.startInference()
	s.metrics.SetDetectionActive(true)
	logger.Info("Session", "Detection started (labels=%v threshold=%.0f%%)", s.allow.Sorted(), s.threshold)
}

func (s *Session) deactivate() {
	if s.inferCancel != nil {
		s.inferCancel()
		s.inferCancel = nil
	}
	s.cache.Clear()
	if s.active {
		s.active = false
		s.metrics.SetDetectionActive(false)
		logger.Info("Session", "Detection stopped")
	}
}

func (s *Session) record(res throttle.Result, sel detect.Selection) {
	s.metrics.RecordAttempt(res.Outcome, res.Message.IsStop(), res.Forced)

	tx := Transmission{
		Result: res,
		Stop:   res.Message.IsStop(),
		Text:   res.Message.String(),
	}
	if !tx.Stop && sel.Target != nil {
		tx.Label = sel.Target.Label
		tx.Confidence = sel.Target.Confidence
	}
	s.last = &tx

	if res.Outcome == link.Dropped {
		logger.Debug("Session", "Dropped %s: link busy", tx.Text)
	}

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.Transmission(tx)
	}
}
