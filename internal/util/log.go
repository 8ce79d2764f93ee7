package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// LogFileOptions controls the rotating log file.
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// EnableLogFile tees all log output into a size-rotated file. The returned
// closer flushes and closes the file.
func EnableLogFile(opts LogFileOptions) io.Closer {
	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	pterm.DefaultLogger.Writer = io.MultiWriter(os.Stderr, file)
	return file
}
