package tux3

import (
	"io"

	"github.com/sirupsen/logrus"
)

// log is the package-wide structured logger, matching the on-disk engine’s
// convention of a single package-level logrus.Logger configured once by
// the embedding application rather than per-call.
var log = logrus.New()

// SetLogger redirects the volume's structured log output to w at the
// given level, replacing logrus's default stderr/Info setup.
func SetLogger(w io.Writer, level logrus.Level) {
	log.SetOutput(w)
	log.SetLevel(level)
}
