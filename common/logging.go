// Package common provides centralized logging infrastructure for the evermem
// service. Log output is routed by level: error entries go to stderr, all
// other levels to stdout, so containerized deployments can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stdout or stderr based on
// their level marker. It operates on the final formatted output, so it works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing an error level marker are
// written to stderr, everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all evermem packages.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ConfigureLogger applies the logging section of the service configuration.
// Level is one of debug, info, warn, error; format is text or json.
func ConfigureLogger(level, format string) {
	switch strings.ToLower(level) {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
