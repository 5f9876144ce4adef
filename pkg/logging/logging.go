package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Log levels, lowest to highest.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarning
	LevelCritical
)

var (
	nodeID     string
	nodeIDOnce sync.Once

	levelMu  sync.RWMutex
	minLevel = LevelInfo

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorkerLocked starts the async log worker goroutine.
// Caller holds logMu.
func initLogWorkerLocked() {
	logWorker.Do(func() {
		// Buffered so connection goroutines never block on logging.
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// SetLevel sets the minimum level that will be emitted.
// Accepts "debug", "info", "warning"/"warn" or "critical".
func SetLevel(level string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	switch level {
	case "debug":
		minLevel = LevelDebug
	case "info", "":
		minLevel = LevelInfo
	case "warning", "warn":
		minLevel = LevelWarning
	case "critical":
		minLevel = LevelCritical
	}
}

// GetNodeID returns the node identifier used as the log prefix.
// Resolution order: NODE_NAME, HOSTNAME, os.Hostname().
func GetNodeID() string {
	nodeIDOnce.Do(func() {
		nodeID = os.Getenv("NODE_NAME")
		if nodeID == "" {
			nodeID = os.Getenv("HOSTNAME")
		}
		if nodeID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				nodeID = hostname
			} else {
				nodeID = "unknown"
			}
		}
	})
	return nodeID
}

func enabled(level int) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= minLevel
}

func emit(level int, msg string) {
	if !enabled(level) {
		return
	}
	logMsg := fmt.Sprintf("[node=%s] %s", GetNodeID(), msg)

	// The send happens under logMu so Flush cannot close the channel out
	// from under it. Non-blocking: if the channel is full, fall back to
	// sync logging rather than stalling the caller.
	logMu.Lock()
	initLogWorkerLocked()
	select {
	case logChan <- logMsg:
		logMu.Unlock()
	default:
		logMu.Unlock()
		log.Print(logMsg)
	}
}

// Debugf logs a formatted debug message with node ID prefix (async, non-blocking)
func Debugf(format string, v ...interface{}) {
	emit(LevelDebug, fmt.Sprintf(format, v...))
}

// Infof logs a formatted message with node ID prefix (async, non-blocking)
func Infof(format string, v ...interface{}) {
	emit(LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning with node ID prefix (async, non-blocking)
func Warnf(format string, v ...interface{}) {
	emit(LevelWarning, "warning: "+fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error with node ID prefix and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[node=%s] %s", GetNodeID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
