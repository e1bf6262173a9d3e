package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

//nolint:gochecknoglobals
var Logger zerolog.Logger

const (
	serviceName = "initsync"

	logFileMaxSizeMB  = 50
	logFileMaxBackups = 5
	logFileMaxAgeDays = 14
)

// Init configures the global logger. When logFile is set, output is written to
// both stdout and a rotated log file.
func Init(appID, levelStr, logFile string) {
	zerolog.SetGlobalLevel(parseLevel(levelStr))

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = zerolog.MultiLevelWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		})
	}

	Logger = zerolog.New(out).With().Timestamp().Str("service", serviceName).Str("app_id", appID).Logger()
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

//nolint:gochecknoinits
func init() {
	if isTestSilentMode() {
		Logger = zerolog.New(io.Discard)
		zerolog.SetGlobalLevel(zerolog.Disabled)
	} else {
		Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		Logger = Logger.With().Str("service", serviceName).Logger()
	}
}

func isTestSilentMode() bool {
	if isTestMode() &&
		(os.Getenv("TEST_SILENT") == "1" || os.Getenv("TEST_SILENT") == "true") {
		return true
	}

	return false
}

func isTestMode() bool {
	for _, arg := range os.Args {
		if strings.Contains(arg, "test") || strings.HasSuffix(arg, ".test") {
			return true
		}
	}
	return false
}
