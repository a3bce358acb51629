package core

import (
	"log"
	"sync/atomic"

	"github.com/fatih/color"
)

var debugLogging atomic.Bool

// SetDebug turns per-connection debug logging on or off
func SetDebug(on bool) {
	debugLogging.Store(on)
}

var (
	tagInfo  = color.New(color.FgGreen).Sprint("[INFO]")
	tagWarn  = color.New(color.FgYellow).Sprint("[WARN]")
	tagError = color.New(color.FgRed, color.Bold).Sprint("[ERROR]")
	tagDebug = color.New(color.FgCyan).Sprint("[DEBUG]")
)

func logInfof(format string, args ...any) {
	log.Printf(tagInfo+" "+format, args...)
}

func logWarnf(format string, args ...any) {
	log.Printf(tagWarn+" "+format, args...)
}

func logErrorf(format string, args ...any) {
	log.Printf(tagError+" "+format, args...)
}

func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(tagDebug+" "+format, args...)
	}
}
