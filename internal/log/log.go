// Package log configures the process-wide diagnostic logger.
//
// The command channels (stdin/stdout) belong to the client protocols, so the
// logger never writes there: it is silent unless --log routed it to a file.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the logrus standard logger according to the --log flag.
// With an empty path all output is discarded. The returned closer releases
// the log file, nil-safe to call.
func Setup(path string) (func(), error) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if path == "" {
		logrus.SetOutput(io.Discard)
		return func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// A broken log destination must not prevent debugging.
		logrus.SetOutput(io.Discard)
		return func() {}, err
	}

	logrus.SetOutput(f)
	logrus.SetLevel(logrus.DebugLevel)
	return func() { _ = f.Close() }, nil
}
