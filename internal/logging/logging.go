// Package logging configures the process logger from viper keys.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	KeyLevel  = "log.level"
	KeyFormat = "log.format"
)

// Options are the logger settings read from configuration
type Options struct {
	Level  string
	Format string // text or json
	Output io.Writer
}

// FromViper reads Options from v, falling back to info/text.
func FromViper(v *viper.Viper) Options {
	opts := Options{
		Level:  v.GetString(KeyLevel),
		Format: v.GetString(KeyFormat),
	}
	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Format == "" {
		opts.Format = "text"
	}
	return opts
}

// Configure applies opts to logger.
func Configure(logger *logrus.Logger, opts Options) error {
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	logger.SetLevel(level)
	return nil
}
