package log

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("DEPVET_DEBUG") == "true" || os.Getenv("DEPVET_DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "depvet.log")

var globalLogFile *os.File

// Initialize should be called once at the beginning of the program to set up
// logging. defer Close() after calling this function. Scan-engine components
// log degradation events (cache backend unreachable, network flakiness,
// resource backpressure) here rather than surfacing them to callers.
func Initialize() {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fallback to stderr
		InfoLog = log.New(os.Stderr, "INFO:", log.Ldate|log.Ltime|log.Lshortfile)
		WarningLog = log.New(os.Stderr, "WARNING:", log.Ldate|log.Ltime|log.Lshortfile)
		ErrorLog = log.New(os.Stderr, "ERROR:", log.Ldate|log.Ltime|log.Lshortfile)
		if debugEnabled {
			DebugLog = log.New(os.Stderr, "DEBUG:", log.Ldate|log.Ltime|log.Lshortfile)
		} else {
			DebugLog = log.New(io.Discard, "", 0)
		}
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	InfoLog = log.New(f, "INFO:", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(f, "WARNING:", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(f, "ERROR:", log.Ldate|log.Ltime|log.Lshortfile)
	if debugEnabled {
		DebugLog = log.New(f, "DEBUG:", log.Ldate|log.Ltime|log.Lshortfile)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}

	globalLogFile = f
}

// Close closes the log file opened by Initialize. Safe to call when
// Initialize fell back to stderr.
func Close() {
	if globalLogFile != nil {
		_ = globalLogFile.Close()
	}
}

// Every is used to log at most once every timeout duration. Cache-backend
// and network degradation is re-evaluated on every cycle, so without
// throttling a flaky registry would flood the log.
type Every struct {
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		e.timer.Reset(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}

// SanitizeURL removes credentials from a URL string for safe logging.
// Registry and advisory lookups may carry tokens in the URL.
func SanitizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "[INVALID_URL]"
	}

	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
