package openmcd

import (
	"github.com/b71729/openmcd/common"
	"github.com/b71729/openmcd/core"
)

/*
===============================================================================
    Configuration & Logging
===============================================================================
*/

// OpenMCDVersion equals the current (or aimed for) version of the software
const OpenMCDVersion = common.OpenMCDVersion

// Config represents the application configuration
type Config = core.Config

// GetConfig returns the active configuration, resolving it from the environment on first use
func GetConfig() Config {
	return core.GetConfig()
}

// OverrideConfig replaces the active configuration. Files opened afterwards use the new values.
func OverrideConfig(cfg Config) {
	core.OverrideConfig(cfg)
}

// SetLoggingLevel sets the level below which log messages are discarded
func SetLoggingLevel(lvl string) error {
	return core.SetLoggingLevel(lvl)
}

// Debugf logs at debug level
func Debugf(format string, v ...interface{}) { core.Debugf(format, v...) }

// Infof logs at info level
func Infof(format string, v ...interface{}) { core.Infof(format, v...) }

// Warnf logs at warn level
func Warnf(format string, v ...interface{}) { core.Warnf(format, v...) }

// Errorf logs at error level
func Errorf(format string, v ...interface{}) { core.Errorf(format, v...) }

// Fatalf logs and, unless `core.ExitOnFatalLog` is unset, exits
func Fatalf(format string, v ...interface{}) { core.Fatalf(format, v...) }

// ConcurrentlyWalkDir recursively traverses `dirPath` and calls `onFile` concurrently for each file with extension `ext`
func ConcurrentlyWalkDir(dirPath string, ext string, onFile func(path string) error) error {
	return core.ConcurrentlyWalkDir(dirPath, ext, onFile)
}
