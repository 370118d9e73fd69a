package session

import (
	"context"
	"time"

	"github.com/dj-oyu/target-relay/internal/detect"
	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/dj-oyu/target-relay/internal/source"
	"github.com/dj-oyu/target-relay/pkg/types"
)

// refresh is the render driver body. It reads the cached detections, selects
// and maps the target, publishes a View and, when tick is set and detection is
// active, offers the selection to the throttle.
func (s *Session) refresh(now time.Time, tick bool) {
	img, seq, _ := s.camera.Latest()
	dims := s.camera.Dimensions()
	if s.switching {
		img, dims = nil, types.Dimensions{}
	}
	mirrored := s.mirror.Mirrored(s.facing)

	var (
		frame     *types.Frame
		sel       detect.Selection
		boxes     []Box
		placement *display.Placement
	)
	if s.active {
		frame = s.cache.Load()
		sel = detect.Select(frame, s.allow, s.threshold)
		targetMarked := false
		for _, d := range detect.Qualifying(frame, s.allow, s.threshold) {
			p, ok := s.mapper.Map(d.Box, dims, mirrored)
			if !ok {
				continue
			}
			b := Box{Rect: p.Box, Label: d.Label, Confidence: d.Confidence}
			if !targetMarked && sel.Target != nil && d.Confidence == sel.Target.Confidence {
				b.Target = true
				targetMarked = true
				placement = &p
			}
			boxes = append(boxes, b)
		}
	}

	if tick {
		s.metrics.Ticks.Add(1)
		if s.active {
			var target *display.Target
			if placement != nil {
				target = &placement.Target
				s.metrics.Selections.Add(1)
			}
			if res, attempted := s.throttle.Tick(now, sel, target); attempted {
				s.record(res, sel)
			}
		}
	}

	st := s.status(dims, frame, placement)
	st.QualifyingCount = sel.QualifyingCount
	s.view.Store(&View{At: now, Image: img, Seq: seq, Boxes: boxes, Status: st})
}

func (s *Session) status(dims types.Dimensions, frame *types.Frame, placement *display.Placement) Status {
	st := Status{
		DetectionActive:  s.active,
		ModelReady:       s.detector != nil,
		LinkName:         s.link.Name(),
		LinkConnected:    s.link.IsConnected(),
		Facing:           s.facing,
		Mirror:           s.mirror,
		Mirrored:         s.mirror.Mirrored(s.facing),
		Switching:        s.switching,
		SourceReady:      !dims.IsZero(),
		Source:           dims,
		Display:          s.cfg.Display,
		Fit:              s.cfg.Fit,
		ThresholdPercent: s.threshold,
		AllowList:        s.allow.Sorted(),
		SendInterval:     s.throttle.Interval().String(),
		Detections:       frame.Len(),
		Target:           placement,
		LastTransmission: s.last,
	}
	if s.detector != nil {
		st.Detector = s.detector.Name()
	}
	if s.loadErr != nil {
		st.ModelError = s.loadErr.Error()
	}
	return st
}

func (s *Session) startInference() {
	gen := s.cache.Clear()
	ctx, cancel := context.WithCancel(s.runCtx)
	s.inferCancel = cancel

	s.wg.Add(1)
	go s.infer(ctx, gen, s.detector, s.camera)
}

// infer is the inference driver: it runs the detector whenever the camera
// has produced a frame it has not seen and publishes the result.
func (s *Session) infer(ctx context.Context, gen uint64, det source.Detector, camera source.Camera) {
	defer s.wg.Done()

	poll := time.NewTicker(s.cfg.InferencePoll)
	defer poll.Stop()

	var (
		lastSeq uint64
		seen    bool
		errs    uint64
	)
	for {
		if img, seq, ok := camera.Latest(); ok && (!seen || seq != lastSeq) {
			seen, lastSeq = true, seq

			start := time.Now()
			dets, err := det.Detect(ctx, img)
			if ctx.Err() != nil {
				return
			}
			s.metrics.InferenceCycles.Add(1)
			s.metrics.UpdateInferenceLatency(time.Since(start))

			if err != nil {
				s.metrics.InferenceErrors.Add(1)
				errs++
				if errs == 1 || errs%100 == 0 {
					logger.Warn("Inference", "Detect failed (%d errors): %v", errs, err)
				}
			} else {
				s.cache.Publish(gen, &types.Frame{Seq: seq, Detections: dets})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

// SwitchCamera toggles the facing mode. Detection is suspended while the old
// camera is released and the new one opened; if it was active it resumes once
// the new camera reports a frame size. A switch issued while another is in
// progress supersedes it.
func (s *Session) SwitchCamera(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.switching {
			s.rearm = s.active
		}
		s.deactivate()
		s.facing = s.facing.Toggle()
		s.metrics.CameraSwitches.Add(1)
		logger.Info("Session", "Switching camera to %s (resume=%v)", s.facing, s.rearm)
		s.beginOpen(s.runCtx, true, s.cfg.SwitchDelay)
		return nil
	})
}

// beginOpen releases the camera, waits delay and reopens it for the current
// facing in the background. The outcome arrives on s.switched.
func (s *Session) beginOpen(ctx context.Context, release bool, delay time.Duration) {
	gen := s.switchGen.Add(1)
	facing := s.facing
	s.switching = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.openCamera(ctx, gen, facing, release, delay)
		if s.switchGen.Load() != gen {
			return
		}
		select {
		case s.switched <- switchResult{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) openCamera(ctx context.Context, gen uint64, facing types.Facing, release bool, delay time.Duration) error {
	s.cameraMu.Lock()
	defer s.cameraMu.Unlock()

	superseded := func() bool { return s.switchGen.Load() != gen }

	if release {
		if err := s.camera.Close(); err != nil {
			logger.Warn("Session", "Camera release failed: %v", err)
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if superseded() {
		return nil
	}

	if err := s.camera.Open(ctx, facing); err != nil {
		return err
	}

	poll := time.NewTicker(s.cfg.ReadyPoll)
	defer poll.Stop()
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	for s.camera.Dimensions().IsZero() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrSourceNotReady
		case <-poll.C:
			if superseded() {
				return nil
			}
		}
	}
	return nil
}

func (s *Session) finishSwitch(res switchResult) {
	if res.gen != s.switchGen.Load() {
		return
	}
	s.switching = false

	if res.err != nil {
		logger.Error("Session", "Camera %s not available: %v", s.facing, res.err)
		s.rearm = false
		return
	}

	d := s.camera.Dimensions()
	logger.Info("Session", "Camera ready: %s %dx%d", s.facing, d.Width, d.Height)
	if s.rearm {
		s.rearm = false
		if s.detector != nil {
			s.activate()
		}
	}
}
