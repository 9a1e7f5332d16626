package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogLevelEnvVar is the environment variable that controls logging verbosity.
// When unset or empty, logging is silent (no zap output).
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "RTC2_LOG_LEVEL"

// Initialize creates a new stdout logger with the specified level.
// If level is empty, it checks RTC2_LOG_LEVEL.
// If neither is set, logging is disabled (silent mode).
func Initialize(level string) error {
	return initialize(level, "stdout", true)
}

// InitializeFile is Initialize writing to path instead of stdout. Colors are
// disabled since the output is not a terminal.
func InitializeFile(level string, path string) error {
	if path == "" {
		return Initialize(level)
	}
	return initialize(level, path, false)
}

func initialize(level string, output string, color bool) error {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}

	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	zapLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	if color {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	built, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	SetLogger(built)

	return nil
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", level)
	}
}

// SetLogger replaces the global logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// LogConnection logs a connection lifecycle event for a peer or relay client.
func LogConnection(remote string, event string) {
	Info("Connection event",
		zap.String("remote", remote),
		zap.String("event", event),
	)
}

// LogPeerMessage logs a message crossing the peer data channel. Payload bytes
// are only included at debug level.
func LogPeerMessage(remote string, direction string, messageType string, data []byte) {
	fields := []zap.Field{
		zap.String("remote", remote),
		zap.String("direction", direction),
		zap.String("message_type", messageType),
		zap.Int("length", len(data)),
	}

	if GetLogger().Core().Enabled(zapcore.DebugLevel) {
		fields = append(fields, zap.String("payload", truncate(data)))
	}

	Debug("Peer message", fields...)
}

// LogSignal logs a relay message by type and routing.
func LogSignal(direction string, messageType string, src string, dst string) {
	Debug("Signal message",
		zap.String("direction", direction),
		zap.String("type", messageType),
		zap.String("src", src),
		zap.String("dst", dst),
	)
}

// truncate renders at most 256 bytes of a payload, replacing non-printable
// bytes with '.'.
func truncate(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	suffix := ""
	if len(data) > 256 {
		data = data[:256]
		suffix = "..."
	}

	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result) + suffix
}

// Sync flushes any buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
