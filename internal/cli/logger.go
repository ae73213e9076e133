package cli

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newDaemonLogger builds the daemon's JSON logger, writing to daemon.log and,
// unless quiet, to stderr.
func newDaemonLogger(globals *Globals, path string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(globals.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if globals.Verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{path}
	if !globals.Quiet {
		cfg.OutputPaths = append(cfg.OutputPaths, "stderr")
	}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// agentLogger wraps zap for verbose debug with base-dir/command context.
type agentLogger struct {
	sugared *zap.SugaredLogger
	command string
	baseDir string
}

func newAgentLogger(globals *Globals, command string) *agentLogger {
	if globals == nil || !globals.Verbose {
		return &agentLogger{}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stderr"}
	logger, _ := cfg.Build()
	return &agentLogger{
		sugared: logger.Sugar(),
		command: command,
		baseDir: globals.BaseDir,
	}
}

func (l *agentLogger) Debug(format string, args ...interface{}) {
	if l.sugared == nil {
		return
	}
	l.sugared.With("command", l.command, "base_dir", l.baseDir).Debugf(format, args...)
}
