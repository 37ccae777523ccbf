// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers need not import logrus for field maps.
type Fields = logrus.Fields

// Options controls logger construction.
type Options struct {
	Level    string // logrus level name; empty means info
	File     string // rotated log file; empty disables file output
	NoColors bool
	Caller   bool // prefix entries with file:line
	Output   io.Writer
}

var (
	logger *logrus.Logger
	once   sync.Once
)

// New builds a logger from opts.
func New(opts Options) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05.000",
		HideKeys:        false,
		CallerFirst:     true,
		FieldsOrder:     []string{"component", "session", "tracker", "state"},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" \x1b[%dm[%s:%d][%s()]", 34, path.Base(f.File), f.Line, funcName)
		},
	})

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	writers := []io.Writer{out}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	log.SetOutput(io.MultiWriter(writers...))
	log.SetReportCaller(opts.Caller)
	return log, nil
}

// Logger returns the process-wide logger, creating a default one on first
// use.
func Logger() *logrus.Logger {
	once.Do(func() {
		if logger == nil {
			logger, _ = New(Options{})
		}
	})
	return logger
}

// SetDefault replaces the process-wide logger. Call it before Logger.
func SetDefault(l *logrus.Logger) {
	once.Do(func() {})
	logger = l
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}
