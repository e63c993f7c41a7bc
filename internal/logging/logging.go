package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the process logger.
type Options struct {
	Level      log.Level
	File       string // rotated copy of every entry; empty disables it
	MaxAgeDays int
	Console    io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Configure sets up logger with a console formatter and, when File is set, a
// rotating file sink. The returned closer flushes the file sink.
func Configure(logger *log.Logger, opts Options) (io.Closer, error) {
	logger.SetLevel(opts.Level)
	logger.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: false})

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	logger.SetOutput(console)

	if opts.File == "" {
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100,
		MaxBackups: 30,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	fileFmt := &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	writers := lfshook.WriterMap{}
	for _, lvl := range log.AllLevels {
		writers[lvl] = rotator
	}
	logger.AddHook(lfshook.NewHook(writers, fileFmt))

	return rotator, nil
}
