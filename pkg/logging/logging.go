/*
Package logging configures the process-wide charmbracelet logger.
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Level        string
	Format       string // text, json or logfmt
	File         string // empty writes to stderr
	ReportCaller bool
}

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init points the default logger at the configured output and format.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = os.Stderr

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)

		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}

		closeFile()
		logFile = file
		out = file
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		ReportCaller:    cfg.ReportCaller,
		Level:           ParseLevel(cfg.Level),
		Formatter:       parseFormatter(cfg.Format),
	})

	log.SetDefault(logger)

	return nil
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(name string) log.Level {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))

	if err != nil {
		return log.InfoLevel
	}

	return level
}

func parseFormatter(name string) log.Formatter {
	switch strings.ToLower(name) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// Close releases the log file, if any, and logs to stderr from then on.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		log.SetDefault(log.New(os.Stderr))
	}

	closeFile()
}

func closeFile() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
