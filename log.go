package nativehook

import (
	"os"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
)

var (
	logger  = &log.Logger{Handler: log.HandlerFunc(route), Level: log.DebugLevel}
	isDebug atomic.Bool

	logLevel   atomic.Int32
	logHandler atomic.Pointer[handlerBox]
)

// handlerBox gives handlers of any concrete type one pointer type.
type handlerBox struct{ log.Handler }

func init() {
	logLevel.Store(int32(log.InfoLevel))
	logHandler.Store(&handlerBox{text.New(os.Stderr)})
	if v := os.Getenv("NATIVEHOOK_DEBUG"); v != "" && v != "0" {
		SetDebug(true)
	}
}

// route filters by the current level and hands the entry to the current
// handler. Both can change while other goroutines log.
func route(e *log.Entry) error {
	if e.Level < log.Level(logLevel.Load()) {
		return nil
	}
	return logHandler.Load().HandleLog(e)
}

// SetDebug turns debug logging of installs and removals on or off.
func SetDebug(x bool) {
	isDebug.Store(x)
	if x {
		logLevel.Store(int32(log.DebugLevel))
	} else {
		logLevel.Store(int32(log.InfoLevel))
	}
}

// SetLogHandler routes log entries to h.
func SetLogHandler(h log.Handler) {
	logHandler.Store(&handlerBox{h})
}
