package cli

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drblury/rflow/internal/runtime/config"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// processLogs is the log sink of one rflow process.
type processLogs struct {
	// Controller is nil for the zap format, which has no runtime toggle or
	// reopen.
	Controller *loggingpkg.Controller
	Logger     loggingpkg.ServiceLogger
	close      func() error
}

func (l *processLogs) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// openLogs builds the sink the settings describe in the given format.
func openLogs(settings *config.Config, format string) (*processLogs, error) {
	if format == "zap" {
		return openZap(settings)
	}
	ctrl, err := loggingpkg.NewController(loggingpkg.ControllerConfig{
		Path:  settings.LogFilePath,
		Level: settings.LogLevel,
		JSON:  format == "json",
	})
	if err != nil {
		return nil, err
	}
	return &processLogs{Controller: ctrl, Logger: ctrl.Logger(), close: ctrl.Close}, nil
}

// controllerLogs is used by child roles, which always need a Controller for
// the reopen and toggle signals.
func controllerLogs(settings *config.Config, format string) (*processLogs, error) {
	if format == "zap" {
		format = "json"
	}
	return openLogs(settings, format)
}

func openZap(settings *config.Config) (*processLogs, error) {
	zcfg := zap.NewProductionConfig()
	level, err := loggingpkg.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	if settings.LogFilePath != "" {
		zcfg.OutputPaths = []string{settings.LogFilePath}
		zcfg.ErrorOutputPaths = []string{settings.LogFilePath}
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &processLogs{
		Logger: loggingpkg.NewZapServiceLogger(logger),
		close: func() error {
			_ = logger.Sync()
			return nil
		},
	}, nil
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	}
	return zapcore.ErrorLevel
}
