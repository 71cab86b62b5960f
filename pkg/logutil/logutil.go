// Package logutil centralizes go-kit/log construction so every service
// emits the same logfmt shape with a "component" field, instead of each
// module building its own logger.
package logutil

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Format selects the wire encoding for log lines.
type Format string

const (
	FormatLogfmt Format = "logfmt"
	FormatJSON   Format = "json"
)

// New builds a leveled, timestamped logger writing to stderr.
func New(format Format, levelName string) log.Logger {
	var logger log.Logger
	if format == FormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(logger, levelOption(levelName))
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Component returns a derived logger tagged with the owning component name,
// the convention used by every module in this fleet.
func Component(logger log.Logger, name string) log.Logger {
	return log.With(logger, "component", name)
}
