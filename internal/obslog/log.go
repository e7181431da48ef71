// Package obslog configures the package-global logrus logger from the
// POPPK_LOG_LEVEL environment variable, following the pack's CLI logging
// convention (inference-sim/cmd/root.go: logrus.ParseLevel + SetLevel from
// a user-supplied level string) but sourced from the environment per
// spec §6 ("log verbosity controlled by an environment variable") rather
// than a flag.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

const envVar = "POPPK_LOG_LEVEL"

// Init sets the global logrus level from POPPK_LOG_LEVEL, defaulting to
// info when unset or unparseable.
func Init() {
	lvl := os.Getenv(envVar)
	if lvl == "" {
		logrus.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.Warnf("obslog: unrecognized %s=%q, defaulting to info", envVar, lvl)
		return
	}
	logrus.SetLevel(parsed)
}
