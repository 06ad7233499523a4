// Package main implements the capture supervisor entry point: module
// discovery and lifecycle, the in-process multi-camera capture pipeline,
// session/trial coordination, post-trial sync and muxing, and the
// ambient health/metrics endpoint.
//
// Startup order follows the layering: configuration and logging first,
// then the state store, module supervisor and device monitor, then the
// camera runtime with its supervision tree, and finally the optional
// health server and the command loop. Shutdown reverses it through the
// shutdown coordinator.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sys/unix"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/capture/backend"
	"github.com/labrecorder/capturesvc/internal/capture/orchestrator"
	"github.com/labrecorder/capturesvc/internal/config"
	"github.com/labrecorder/capturesvc/internal/constants"
	"github.com/labrecorder/capturesvc/internal/diskguard"
	"github.com/labrecorder/capturesvc/internal/health"
	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/module"
	"github.com/labrecorder/capturesvc/internal/preview"
	"github.com/labrecorder/capturesvc/internal/record"
	"github.com/labrecorder/capturesvc/internal/session"
	"github.com/labrecorder/capturesvc/internal/shutdown"
	"github.com/labrecorder/capturesvc/internal/statestore"
	"github.com/labrecorder/capturesvc/internal/syncmux"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitInterrupted = 130
)

type cliFlags struct {
	configPath         string
	outputDir          string
	logLevel           string
	logFile            string
	mode               string
	sessionPrefix      string
	console            bool
	noConsole          bool
	autoStartRecording bool
	noAutoStart        bool
	enableCommands     bool
	windowGeometry     string
	resolution         int
	targetFPS          float64
	sampleRate         int
	modulesDir         string
}

func parseFlags() *cliFlags {
	f := &cliFlags{}
	pflag.StringVar(&f.configPath, "config", "", "path to the supervisor YAML configuration")
	pflag.StringVar(&f.outputDir, "output-dir", "", "session output root directory")
	pflag.StringVar(&f.logLevel, "log-level", "", "critical|error|warning|info|debug")
	pflag.StringVar(&f.logFile, "log-file", "", "supervisor log file path")
	pflag.StringVar(&f.mode, "mode", "", "gui|headless|slave|interactive|demo")
	pflag.StringVar(&f.sessionPrefix, "session-prefix", "", "prefix for timestamped session directories")
	pflag.BoolVar(&f.console, "console", true, "log to the console")
	pflag.BoolVar(&f.noConsole, "no-console", false, "disable console logging")
	pflag.BoolVar(&f.autoStartRecording, "auto-start-recording", false, "start a session and trial immediately after startup")
	pflag.BoolVar(&f.noAutoStart, "no-auto-start-recording", false, "disable auto start")
	pflag.BoolVar(&f.enableCommands, "enable-commands", false, "accept JSON commands on stdin")
	pflag.StringVar(&f.windowGeometry, "window-geometry", "", "initial window geometry (WxH+X+Y)")
	pflag.IntVar(&f.resolution, "resolution", -1, "record resolution preset index")
	pflag.Float64Var(&f.targetFPS, "target-fps", 0, "record target fps")
	pflag.IntVar(&f.sampleRate, "sample-rate", 0, "audio sample rate forwarded to the audio module")
	pflag.StringVar(&f.modulesDir, "modules-dir", "", "module discovery directory")
	pflag.Parse()
	return f
}

// applyFlags layers CLI values over the loaded configuration; flags win.
func applyFlags(cfg *config.Config, f *cliFlags) {
	if f.outputDir != "" {
		cfg.Supervisor.OutputDir = f.outputDir
	}
	if f.logLevel != "" {
		cfg.Supervisor.LogLevel = f.logLevel
		cfg.Logging.Level = normalizeLogLevel(f.logLevel)
	}
	if f.logFile != "" {
		cfg.Supervisor.LogFile = f.logFile
		cfg.Logging.FilePath = f.logFile
		cfg.Logging.FileEnabled = true
	}
	if f.mode != "" {
		cfg.Supervisor.Mode = f.mode
	}
	if f.sessionPrefix != "" {
		cfg.Supervisor.SessionPrefix = f.sessionPrefix
	}
	if f.noConsole {
		cfg.Supervisor.Console = false
		cfg.Logging.ConsoleEnabled = false
	}
	if f.autoStartRecording && !f.noAutoStart {
		cfg.Supervisor.AutoStartRecording = true
	}
	if f.enableCommands {
		cfg.Supervisor.EnableCommands = true
	}
	if f.windowGeometry != "" {
		cfg.Supervisor.WindowGeometry = f.windowGeometry
	}
	if f.resolution >= 0 {
		cfg.Supervisor.ResolutionPreset = f.resolution
	}
	if f.targetFPS > 0 {
		cfg.Supervisor.TargetFPS = f.targetFPS
	}
	if f.sampleRate > 0 {
		cfg.Supervisor.SampleRate = f.sampleRate
	}
	if f.modulesDir != "" {
		cfg.Supervisor.ModulesDir = f.modulesDir
	}
}

// normalizeLogLevel maps the CLI's level names onto logrus's.
func normalizeLogLevel(level string) string {
	switch level {
	case "critical":
		return "fatal"
	case "warning":
		return "warn"
	default:
		return level
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	configManager := config.CreateConfigManager()
	if flags.configPath != "" {
		if err := configManager.LoadConfig(flags.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			return exitFatal
		}
	}
	cfg := configManager.GetConfig()
	applyFlags(cfg, flags)

	if err := logging.SetupLogging(&logging.LoggingConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		MaxFileSize:    int(cfg.Logging.MaxFileSize),
		BackupCount:    cfg.Logging.BackupCount,
		ConsoleEnabled: cfg.Logging.ConsoleEnabled,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return exitFatal
	}
	configManager.RegisterLoggingConfigurationUpdates()

	logger := logging.GetLogger("supervisor")
	logger.WithFields(logging.Fields{"mode": cfg.Supervisor.Mode, "output_dir": cfg.Supervisor.OutputDir}).Info("capture supervisor starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := statestore.New(cfg.Supervisor.ModulesDir, cfg.Supervisor.StateDir, logger)
	store.SetPhase(constants.PhaseInitializing)

	infos, err := module.DiscoverModules(cfg.Supervisor.ModulesDir)
	if err != nil {
		logger.WithError(err).Error("module discovery failed")
		infos = nil
	}
	logger.WithField("modules", len(infos)).Info("modules discovered")

	metrics := health.NewMetrics()
	guard := diskguard.New(cfg.Supervisor.OutputDir, cfg.Storage.WarnPercent, cfg.Storage.BlockPercent, logger, metrics)

	sup := module.NewSupervisor(cfg.Supervisor, infos, store, guard, metrics, logger)
	if err := sup.Startup(ctx); err != nil {
		logger.WithError(err).Error("supervisor startup failed")
		return exitFatal
	}

	monitor := module.NewDeviceMonitor(&module.SysfsScanner{}, sup, infos, 2*time.Second, logger)
	go monitor.Run(ctx)

	guardStop := make(chan struct{})
	go guard.RunPeriodic(cfg.Storage.CheckInterval, guardStop)

	// Camera runtime: the capture pipeline runs in-process under its own
	// supervision tree.
	root := suture.NewSimple("capturesvc")
	rootDone := root.ServeBackground(ctx)

	backends := map[capture.Backend]capture.DeviceBackend{
		capture.BackendUSB: backend.NewUSBBackend(logger),
		capture.BackendCSI: backend.NewCSIBackend(1, logger),
	}
	sink := newPreviewSink(cfg, logger)
	encoder := record.NewFFmpegEncoder(record.FlushIntervalFrames, logger)
	runtime := orchestrator.New(root, backends, encoder, sink, constants.RouterQueueSize, 8, logger)
	runtime.UseCapabilityCache(capture.NewCapCache(
		filepath.Join(cfg.Supervisor.StateDir, "capabilities.yaml"), 24*time.Hour))

	cameras, err := runtime.DiscoverAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("camera discovery failed")
	}
	for _, id := range cameras {
		if err := runtime.EnsureCamera(ctx, id); err != nil {
			logger.WithFields(logging.Fields{"camera": id.Key()}).WithError(err).Warn("camera open failed, will retry on next discovery")
			continue
		}
		applyPresetConfig(ctx, runtime, id.Key(), cfg, logger)
	}

	var healthServer *health.HTTPHealthServer
	if cfg.HTTPHealth.Enabled {
		monitorAPI := health.NewHealthMonitor("1.0.0")
		monitorAPI.SetReady(true)
		sup.SetStatusCallback(func(snap module.StatusSnapshot) {
			status := health.StatusHealthy
			switch snap.State {
			case module.StateError:
				status = health.StatusDegraded
			case module.StateCrashed:
				status = health.StatusUnhealthy
			}
			monitorAPI.UpdateComponent("module:"+snap.InstanceID, status, snap.State.String(), nil)
		})
		healthServer, err = health.NewHTTPHealthServer(&cfg.HTTPHealth, monitorAPI, logger)
		if err != nil {
			logger.WithError(err).Error("failed to create health server")
			return exitFatal
		}
		go healthServer.Serve()
	}

	coordinator := shutdown.NewCoordinator(sup, store, logger)
	coordinator.AddCleanup(func(cleanupCtx context.Context) {
		runtime.Close()
		cancel()
		select {
		case <-rootDone:
		case <-time.After(5 * time.Second):
		}
	})
	coordinator.AddCleanup(func(context.Context) {
		close(guardStop)
		if healthServer != nil {
			_ = healthServer.Stop()
		}
		_ = configManager.Stop(context.Background())
	})
	observedSignal := coordinator.InstallSignalHandlers(ctx)

	syncGen := syncmux.NewGenerator(syncmux.NewFFmpegMuxer(logger), logger)
	loop := &sessionLoop{
		cfg:     cfg,
		sup:     sup,
		runtime: runtime,
		syncGen: syncGen,
		logger:  logger,
	}

	logger.Info("capture supervisor running")

	if cfg.Supervisor.AutoStartRecording {
		if err := loop.startSession(ctx, ""); err != nil {
			logger.WithError(err).Error("auto-start: session failed")
		} else if err := loop.startTrial(ctx, ""); err != nil {
			logger.WithError(err).Error("auto-start: trial failed")
		}
	}

	if cfg.Supervisor.EnableCommands || cfg.Supervisor.Mode == "slave" {
		go loop.readCommands(ctx, os.Stdin, coordinator)
	}

	<-coordinator.Done()

	select {
	case sig := <-observedSignal:
		if sig == unix.SIGINT {
			return exitInterrupted
		}
	default:
	}
	logger.Info("capture supervisor stopped")
	return exitOK
}

// newPreviewSink builds the websocket UI sink; slave mode runs headless
// under a parent supervisor and discards preview frames instead.
func newPreviewSink(cfg *config.Config, logger *logging.Logger) preview.Sink {
	if cfg.Supervisor.Mode == "slave" {
		return preview.NopSink{}
	}
	return preview.NewWSSink(cfg.Supervisor.TargetFPS, preview.JPEGEncoder(80), logger)
}

// applyPresetConfig pushes the CLI/config record preset onto a camera.
func applyPresetConfig(ctx context.Context, runtime *orchestrator.Runtime, key string, cfg *config.Config, logger *logging.Logger) {
	preset := cfg.Supervisor.ResolutionPreset
	if preset < 0 || preset >= len(config.ResolutionPresets) {
		return
	}
	wh := config.ResolutionPresets[preset]
	settings := map[string]string{
		"record_resolution": fmt.Sprintf("%dx%d", wh[0], wh[1]),
	}
	if cfg.Supervisor.TargetFPS > 0 {
		settings["record_fps"] = fmt.Sprintf("%g", cfg.Supervisor.TargetFPS)
	}
	if err := runtime.ApplyCameraConfig(ctx, key, settings); err != nil {
		logger.WithFields(logging.Fields{"camera": key}).WithError(err).Warn("failed to apply record preset")
	}
}

// sessionLoop couples the module supervisor's session/trial lifecycle to
// the in-process camera runtime and the post-trial sync generator.
type sessionLoop struct {
	cfg     *config.Config
	sup     *module.Supervisor
	runtime *orchestrator.Runtime
	syncGen *syncmux.Generator
	logger  *logging.Logger

	paths *session.Paths
	trial int
}

func (l *sessionLoop) startSession(ctx context.Context, dirOverride string) error {
	if err := l.sup.StartSession(ctx, dirOverride); err != nil {
		return err
	}
	s := l.sup.CurrentSession()
	l.paths = s.Paths
	return nil
}

func (l *sessionLoop) stopSession(ctx context.Context) error {
	err := l.sup.StopSession(ctx)
	l.paths = nil
	return err
}

func (l *sessionLoop) startTrial(ctx context.Context, label string) error {
	trial, err := l.sup.StartTrial(ctx, label)
	if err != nil {
		return err
	}
	l.trial = trial
	for key, camErr := range l.runtime.StartTrial(l.paths, trial) {
		l.logger.WithFields(logging.Fields{"camera": key, "trial": trial}).WithError(camErr).Error("camera failed to start trial")
	}
	return nil
}

func (l *sessionLoop) stopTrial(ctx context.Context) error {
	for key, camErr := range l.runtime.StopTrial() {
		l.logger.WithFields(logging.Fields{"camera": key}).WithError(camErr).Error("camera failed to stop trial")
	}
	if err := l.sup.StopTrial(ctx); err != nil {
		return err
	}

	if l.paths != nil {
		if _, err := l.syncGen.Run(ctx, l.paths.SessionDir, l.trial); err != nil {
			l.logger.WithFields(logging.Fields{"trial": l.trial}).WithError(err).Warn("sync generation failed")
		}
	}
	return nil
}

// readCommands implements command mode: newline-delimited JSON commands
// on stdin drive the supervisor exactly like a parent process would
// drive a module child.
func (l *sessionLoop) readCommands(ctx context.Context, r *os.File, coordinator *shutdown.Coordinator) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		cmd, err := module.DecodeCommand(line)
		if err != nil {
			l.logger.WithError(err).Warn("command loop: malformed command line")
			continue
		}

		var cmdErr error
		switch cmd.Command {
		case constants.CmdStartSession:
			cmdErr = l.startSession(ctx, cmd.SessionDir)
		case constants.CmdStopSession:
			cmdErr = l.stopSession(ctx)
		case constants.CmdStartRecording:
			cmdErr = l.startTrial(ctx, cmd.Label)
		case constants.CmdStopRecording:
			cmdErr = l.stopTrial(ctx)
		case constants.CmdGetStatus:
			for _, snap := range l.sup.ModuleStatuses() {
				l.logger.WithFields(logging.Fields{
					"module": snap.Module, "instance": snap.InstanceID, "state": snap.State.String(),
				}).Info("status report")
			}
		case constants.CmdQuit:
			coordinator.Shutdown(ctx)
			return
		default:
			l.logger.WithField("command", cmd.Command).Warn("command loop: unknown command")
		}
		if cmdErr != nil {
			l.logger.WithField("command", cmd.Command).WithError(cmdErr).Error("command failed")
		}
	}
}
