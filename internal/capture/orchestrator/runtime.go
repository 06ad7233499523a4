package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/preview"
	"github.com/labrecorder/capturesvc/internal/record"
	"github.com/labrecorder/capturesvc/internal/router"
	"github.com/labrecorder/capturesvc/internal/session"
)

// serviceFunc adapts a plain cancellable function to suture.Service.
// Each service is handed its own long-lived context at construction time
// (the camera's handle context) rather than the context suture passes
// into Serve; teardown is driven explicitly by the Camera Runtime
// cancelling that context, not by suture removing the service. suture's
// job here is restart-on-panic supervision, not lifecycle ownership.
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (f serviceFunc) Serve(ctx context.Context) error { return f.fn(ctx) }
func (f serviceFunc) String() string                  { return f.name }

// phase is the per-camera lifecycle state.
type phase int32

const (
	phaseAbsent phase = iota
	phaseOpening
	phaseReady
	phaseReconfiguring
	phaseRecording
	phaseClosing
)

func (p phase) String() string {
	switch p {
	case phaseAbsent:
		return "absent"
	case phaseOpening:
		return "opening"
	case phaseReady:
		return "ready"
	case phaseReconfiguring:
		return "reconfiguring"
	case phaseRecording:
		return "recording"
	case phaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type cameraEntry struct {
	id       capture.CameraId
	backend  capture.DeviceBackend
	location string

	subSup   *suture.Supervisor
	subToken suture.ServiceToken

	mu      sync.Mutex
	phase   phase
	caps    *capture.Capabilities
	configs capture.SelectedConfigs

	handle       capture.Handle
	handleCancel context.CancelFunc

	rtr         *router.Router
	routerToken suture.ServiceToken

	prev      *preview.Pipeline
	prevToken suture.ServiceToken

	recording    bool
	trial        int
	sessionPaths *session.Paths
	recToken     suture.ServiceToken
	recDone      chan error
}

// CameraStatus summarizes one camera for status reporting.
type CameraStatus struct {
	Key       string
	Phase     string
	Recording bool
	Trial     int
	Router    router.Metrics
	Preview   preview.Metrics
}

// Runtime is the Camera Runtime (component I): discovery, per-camera
// open/reconfigure/close, and trial-scoped recording across every
// currently open camera.
type Runtime struct {
	logger  *logging.Logger
	root    *suture.Supervisor
	backend map[capture.Backend]capture.DeviceBackend
	encoder record.Encoder
	sink    preview.Sink

	previewQueueSize int
	recordQueueSize  int

	capCache *capture.CapCache

	mu        sync.Mutex
	cameras   map[string]*cameraEntry
	activeKey string
}

// New constructs a Runtime. root is the supervision tree's root
// supervisor; the caller is responsible for starting it
// (root.Serve/ServeBackground) and stopping it on shutdown.
func New(root *suture.Supervisor, backends map[capture.Backend]capture.DeviceBackend, encoder record.Encoder, sink preview.Sink, previewQueueSize, recordQueueSize int, logger *logging.Logger) *Runtime {
	return &Runtime{
		logger:           logger,
		root:             root,
		backend:          backends,
		encoder:          encoder,
		sink:             sink,
		previewQueueSize: previewQueueSize,
		recordQueueSize:  recordQueueSize,
		cameras:          make(map[string]*cameraEntry),
	}
}

// UseCapabilityCache makes EnsureCamera consult (and refresh) a
// persistent probe-result cache, so restarts skip the capability probe
// for recently seen hardware.
func (rt *Runtime) UseCapabilityCache(c *capture.CapCache) {
	rt.capCache = c
}

// DiscoverAll probes every registered backend and merges the results by
// stable ID, USB first then CSI, CSI overwriting on collision: when two
// backends report the same physical sensor the CSI entry wins because
// it carries hardware timestamps.
func (rt *Runtime) DiscoverAll(ctx context.Context) ([]capture.CameraId, error) {
	combined := map[string]capture.CameraId{}
	for _, b := range []capture.Backend{capture.BackendUSB, capture.BackendCSI} {
		backend, ok := rt.backend[b]
		if !ok {
			continue
		}
		ids, err := backend.Discover(ctx)
		if err != nil {
			if rt.logger != nil {
				rt.logger.WithFields(logging.Fields{"backend": string(b)}).WithError(err).Warn("orchestrator: discovery failed for backend")
			}
			continue
		}
		for _, id := range ids {
			combined[id.StableID] = id
		}
	}

	out := make([]capture.CameraId, 0, len(combined))
	for _, id := range combined {
		out = append(out, id)
	}
	return out, nil
}

func defaultConfigs(caps *capture.Capabilities) capture.SelectedConfigs {
	previewFPS := 2.0
	return capture.SelectedConfigs{
		Preview: capture.ModeSelection{
			Mode:         caps.DefaultPreviewMode,
			TargetFPS:    &previewFPS,
			Overlay:      false,
			ColorConvert: true,
		},
		Record: capture.ModeSelection{
			Mode:         caps.DefaultRecordMode,
			Overlay:      true,
			ColorConvert: true,
		},
		StorageProfile: "default",
	}
}

// EnsureCamera opens a camera idempotently: a camera already tracked is a
// no-op. The underlying capture stream is always opened at the record
// mode (the single physical stream a backend produces); preview consumes
// the same frames and is decimated in time only, never resampled in
// space, since this architecture fans one source stream to both sinks.
// preview_resolution is therefore advisory.
func (rt *Runtime) EnsureCamera(ctx context.Context, id capture.CameraId) error {
	rt.mu.Lock()
	if _, ok := rt.cameras[id.Key()]; ok {
		rt.mu.Unlock()
		return nil
	}
	rt.mu.Unlock()

	backend, ok := rt.backend[id.Backend]
	if !ok {
		return fmt.Errorf("orchestrator: no backend registered for %s", id.Backend)
	}
	location := id.DevPath
	if location == "" {
		location = id.StableID
	}

	var caps *capture.Capabilities
	if rt.capCache != nil {
		if cached, hit := rt.capCache.Get(id.Key(), time.Now()); hit {
			caps = cached
		}
	}
	if caps == nil {
		probed, err := backend.Probe(ctx, location)
		if err != nil {
			return fmt.Errorf("orchestrator: probe %s: %w", id.Key(), err)
		}
		caps = probed
		if rt.capCache != nil {
			if err := rt.capCache.Put(id.Key(), caps); err != nil && rt.logger != nil {
				rt.logger.WithError(err).Warn("orchestrator: capability cache write failed")
			}
		}
	}
	configs := defaultConfigs(caps)

	handleCtx, handleCancel := context.WithCancel(context.Background())
	handle, err := backend.Open(handleCtx, location, configs.Record.Mode)
	if err != nil {
		handleCancel()
		return fmt.Errorf("orchestrator: open %s: %w", id.Key(), err)
	}

	entry := &cameraEntry{
		id:           id,
		backend:      backend,
		location:     location,
		phase:        phaseOpening,
		caps:         caps,
		configs:      configs,
		handle:       handle,
		handleCancel: handleCancel,
	}

	entry.subSup = suture.NewSimple(id.Key())

	rt.mu.Lock()
	previewEnabled := rt.activeKey == "" || rt.activeKey == id.Key()
	rt.mu.Unlock()

	entry.rtr = router.Attach(id, rt.previewQueueSize, rt.recordQueueSize, previewEnabled, false, rt.logger)
	entry.routerToken = entry.subSup.Add(serviceFunc{
		name: id.Key() + ":router",
		fn: func(context.Context) error {
			entry.rtr.Run(handleCtx, handle.Frames(handleCtx))
			return nil
		},
	})

	entry.prev = preview.New(id, rt.sink, configs.Preview, rt.logger)
	entry.prevToken = entry.subSup.Add(serviceFunc{
		name: id.Key() + ":preview",
		fn: func(context.Context) error {
			entry.prev.Run(entry.rtr.PreviewQueue())
			return nil
		},
	})

	entry.subToken = rt.root.Add(entry.subSup)
	entry.phase = phaseReady

	rt.mu.Lock()
	rt.cameras[id.Key()] = entry
	if rt.activeKey == "" {
		rt.activeKey = id.Key()
	}
	rt.mu.Unlock()

	if rt.logger != nil {
		rt.logger.WithFields(logging.Fields{"camera": id.Key()}).Info("camera runtime: camera ready")
	}
	return nil
}

// SetActivePreview enables preview on exactly one camera (or none, if key
// is empty),: "only the active camera has preview enabled."
func (rt *Runtime) SetActivePreview(key string) {
	rt.mu.Lock()
	rt.activeKey = key
	entries := make([]*cameraEntry, 0, len(rt.cameras))
	for _, e := range rt.cameras {
		entries = append(entries, e)
	}
	rt.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		rtr := e.rtr
		active := e.id.Key() == key
		e.mu.Unlock()
		if rtr != nil {
			rtr.SetPreviewEnabled(active)
		}
	}
}

// parseResolution parses a "WxH" string.
func parseResolution(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(s)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected WxH, got %q", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("width: %w", err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("height: %w", err)
	}
	return w, h, nil
}

// parsePreviewFPS parses either a plain target fps ("15") or a
// percent-of-source keep rate ("10%"), converting the latter to a
// keep_every stride: keep_every = round(100/percent), so "10%" keeps
// one frame in ten regardless of the source rate.
func parsePreviewFPS(s string) (fps float64, keepEvery *int, err error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		pct, perr := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if perr != nil || pct <= 0 {
			return 0, nil, fmt.Errorf("invalid percent form %q", s)
		}
		n := int(math.Round(100.0 / pct))
		if n < 1 {
			n = 1
		}
		return 0, &n, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil {
		return 0, nil, ferr
	}
	return f, nil, nil
}

// ApplyCameraConfig applies user camera settings: preview_fps
// (plain or percent-form) and preview_resolution update live without
// restart; record_resolution/record_fps change the capture mode itself
// and trigger the safe reconfigure sequence.
func (rt *Runtime) ApplyCameraConfig(ctx context.Context, key string, settings map[string]string) error {
	rt.mu.Lock()
	entry, ok := rt.cameras[key]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown camera %q", key)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	newRecordMode := entry.configs.Record.Mode
	needsReconfigure := false

	if v, ok := settings["record_resolution"]; ok {
		w, h, err := parseResolution(v)
		if err != nil {
			return fmt.Errorf("orchestrator: record_resolution: %w", err)
		}
		if w != newRecordMode.Width || h != newRecordMode.Height {
			newRecordMode.Width, newRecordMode.Height = w, h
			needsReconfigure = true
		}
	}
	if v, ok := settings["record_fps"]; ok {
		fps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("orchestrator: record_fps: %w", err)
		}
		if fps != newRecordMode.FPS {
			newRecordMode.FPS = fps
			needsReconfigure = true
		}
	}

	if v, ok := settings["preview_fps"]; ok {
		fps, keepEvery, err := parsePreviewFPS(v)
		if err != nil {
			return fmt.Errorf("orchestrator: preview_fps: %w", err)
		}
		if keepEvery != nil {
			entry.configs.Preview.KeepEvery = keepEvery
			entry.configs.Preview.TargetFPS = nil
			entry.prev.SetKeepEvery(keepEvery)
			entry.prev.SetTargetFPS(nil)
		} else {
			entry.configs.Preview.TargetFPS = &fps
			entry.configs.Preview.KeepEvery = nil
			entry.prev.SetTargetFPS(&fps)
			entry.prev.SetKeepEvery(nil)
		}
	}
	if v, ok := settings["preview_resolution"]; ok {
		w, h, err := parseResolution(v)
		if err != nil {
			return fmt.Errorf("orchestrator: preview_resolution: %w", err)
		}
		entry.configs.Preview.Mode.Width, entry.configs.Preview.Mode.Height = w, h
	}

	if !needsReconfigure {
		return nil
	}
	return rt.reconfigureLocked(entry, newRecordMode)
}

// reconfigureLocked runs the safe reconfigure sequence: stop
// preview and router, close the handle, reopen at the new mode, rebuild
// router+preview, and resume recording under the same trial if one was
// in progress. entry.mu is held by the caller.
func (rt *Runtime) reconfigureLocked(entry *cameraEntry, newMode capture.CapabilityMode) error {
	entry.phase = phaseReconfiguring

	wasRecording := entry.recording
	trial := entry.trial
	paths := entry.sessionPaths
	if wasRecording {
		rt.stopTrialEntryLocked(entry)
	}

	_ = entry.subSup.RemoveAndWait(entry.prevToken, 2*time.Second)

	entry.handleCancel()
	entry.handle.Stop()
	select {
	case <-entry.rtr.Done():
	case <-time.After(5 * time.Second):
	}
	_ = entry.subSup.RemoveAndWait(entry.routerToken, 2*time.Second)

	handleCtx, handleCancel := context.WithCancel(context.Background())
	handle, err := entry.backend.Open(handleCtx, entry.location, newMode)
	if err != nil {
		handleCancel()
		entry.phase = phaseAbsent
		return fmt.Errorf("orchestrator: reconfigure open %s: %w", entry.id.Key(), err)
	}
	entry.handle = handle
	entry.handleCancel = handleCancel
	entry.configs.Record.Mode = newMode

	rt.mu.Lock()
	previewEnabled := rt.activeKey == entry.id.Key()
	rt.mu.Unlock()

	entry.rtr = router.Attach(entry.id, rt.previewQueueSize, rt.recordQueueSize, previewEnabled, false, rt.logger)
	entry.routerToken = entry.subSup.Add(serviceFunc{
		name: entry.id.Key() + ":router",
		fn: func(context.Context) error {
			entry.rtr.Run(handleCtx, handle.Frames(handleCtx))
			return nil
		},
	})

	entry.prev = preview.New(entry.id, rt.sink, entry.configs.Preview, rt.logger)
	entry.prevToken = entry.subSup.Add(serviceFunc{
		name: entry.id.Key() + ":preview",
		fn: func(context.Context) error {
			entry.prev.Run(entry.rtr.PreviewQueue())
			return nil
		},
	})

	entry.phase = phaseReady

	if wasRecording {
		if err := rt.startTrialEntryLocked(entry, paths, trial); err != nil {
			return fmt.Errorf("orchestrator: reconfigure resume recording: %w", err)
		}
	}
	return nil
}

func (rt *Runtime) startTrialEntryLocked(entry *cameraEntry, paths *session.Paths, trial int) error {
	if entry.phase != phaseReady {
		return fmt.Errorf("orchestrator: camera %s not ready (phase=%s)", entry.id.Key(), entry.phase)
	}
	if entry.recording {
		return nil
	}

	mode := entry.configs.Record.Mode
	trialPaths := session.ResolveTrialPaths(paths, entry.id.Key(), trial, mode.Width, mode.Height, mode.FPS)

	pipeline := record.NewPipeline(entry.id, rt.encoder, trial, entry.configs.Record,
		trialPaths.VideoPath, trialPaths.TimingPath, trialPaths.MetadataPath, rt.logger)

	entry.rtr.SetRecordEnabled(true)
	queue := entry.rtr.RecordQueue()
	recDone := make(chan error, 1)
	entry.recToken = entry.subSup.Add(serviceFunc{
		name: entry.id.Key() + ":record",
		fn: func(context.Context) error {
			recDone <- pipeline.Run(queue)
			return nil
		},
	})

	entry.recDone = recDone
	entry.recording = true
	entry.trial = trial
	entry.sessionPaths = paths
	entry.phase = phaseRecording
	return nil
}

func (rt *Runtime) stopTrialEntryLocked(entry *cameraEntry) error {
	if !entry.recording {
		return nil
	}

	entry.rtr.SetRecordEnabled(false)
	entry.rtr.EndRecordSegment()

	var err error
	select {
	case err = <-entry.recDone:
	case <-time.After(10 * time.Second):
		err = fmt.Errorf("orchestrator: camera %s record pipeline did not stop in time", entry.id.Key())
	}

	_ = entry.subSup.RemoveAndWait(entry.recToken, 2*time.Second)
	entry.recording = false
	entry.phase = phaseReady
	return err
}

// StartTrial starts recording on every ready camera, returning a
// per-camera error map for any camera that failed to start; the others
// continue,: "a failed camera does not block the rest."
func (rt *Runtime) StartTrial(paths *session.Paths, trial int) map[string]error {
	rt.mu.Lock()
	entries := make([]*cameraEntry, 0, len(rt.cameras))
	for _, e := range rt.cameras {
		entries = append(entries, e)
	}
	rt.mu.Unlock()

	errs := make(map[string]error)
	for _, e := range entries {
		e.mu.Lock()
		err := rt.startTrialEntryLocked(e, paths, trial)
		e.mu.Unlock()
		if err != nil {
			errs[e.id.Key()] = err
		}
	}
	return errs
}

// StopTrial stops recording on every currently recording camera.
func (rt *Runtime) StopTrial() map[string]error {
	rt.mu.Lock()
	entries := make([]*cameraEntry, 0, len(rt.cameras))
	for _, e := range rt.cameras {
		entries = append(entries, e)
	}
	rt.mu.Unlock()

	errs := make(map[string]error)
	for _, e := range entries {
		e.mu.Lock()
		err := rt.stopTrialEntryLocked(e)
		e.mu.Unlock()
		if err != nil {
			errs[e.id.Key()] = err
		}
	}
	return errs
}

// TeardownCamera stops recording (if any), closes the capture stream, and
// removes the camera's sub-supervisor from the tree. Unknown keys are a
// no-op.
func (rt *Runtime) TeardownCamera(key string) error {
	rt.mu.Lock()
	entry, ok := rt.cameras[key]
	if ok {
		delete(rt.cameras, key)
	}
	if rt.activeKey == key {
		rt.activeKey = ""
	}
	rt.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.phase = phaseClosing

	if entry.recording {
		_ = rt.stopTrialEntryLocked(entry)
	}

	entry.handleCancel()
	entry.handle.Stop()
	select {
	case <-entry.rtr.Done():
	case <-time.After(5 * time.Second):
	}

	_ = rt.root.RemoveAndWait(entry.subToken, 5*time.Second)
	entry.phase = phaseAbsent

	if rt.logger != nil {
		rt.logger.WithFields(logging.Fields{"camera": key}).Info("camera runtime: camera torn down")
	}
	return nil
}

// Close tears down every currently open camera, used during shutdown.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	keys := make([]string, 0, len(rt.cameras))
	for k := range rt.cameras {
		keys = append(keys, k)
	}
	rt.mu.Unlock()

	for _, k := range keys {
		_ = rt.TeardownCamera(k)
	}
}

// Status returns a snapshot of every open camera, for status reporting.
func (rt *Runtime) Status() []CameraStatus {
	rt.mu.Lock()
	entries := make([]*cameraEntry, 0, len(rt.cameras))
	for _, e := range rt.cameras {
		entries = append(entries, e)
	}
	rt.mu.Unlock()

	out := make([]CameraStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := CameraStatus{Key: e.id.Key(), Phase: e.phase.String(), Recording: e.recording, Trial: e.trial}
		if e.rtr != nil {
			st.Router = e.rtr.Metrics()
		}
		if e.prev != nil {
			st.Preview = e.prev.Metrics()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}
