package utils

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NewLogger points the process logger at filename in addition to stderr.
// When clean is set the file is truncated first. An empty filename logs to
// stderr only.
func NewLogger(filename, level string, clean bool) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if level != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
		log.SetLevel(lvl)
	}
	if filename == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if clean {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filename, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open log file %s", filename)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}
