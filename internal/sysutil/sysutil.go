// Package sysutil holds process-level helpers: log level selection and the
// instance identity used to own queue leases.
package sysutil

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SetLogLevel sets the global zerolog level from a name (debug, info, warn,
// error, fatal, panic; case-insensitive) and returns the level applied.
// Unknown names fall back to info.
func SetLogLevel(lvl string) zerolog.Level {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	case "panic":
		level = zerolog.PanicLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// InstanceID returns "<hostname>-<8 hex chars>", unique per call. Lease
// owners built from it stay readable in operator listings.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
