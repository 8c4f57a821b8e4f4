package mango

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// outputSplitter routes error-level log lines to stderr and everything else
// to stdout, so piped stdout stays clean while failures still reach the
// terminal.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-level diagnostic logger. It never logs document
// payloads or attachment bytes — only cache hit/miss, retry, and re-auth
// events at Debug level.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(outputSplitter{})
}
