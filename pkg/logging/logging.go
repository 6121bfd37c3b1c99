package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	logger   = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	loggerMu sync.RWMutex

	// Async logging channel and worker
	logChan   chan entry
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

type entry struct {
	level log.Level
	msg   string
}

// Setup configures the level ("debug", "info", "warn", "error") and the
// output format ("text", "json", "logfmt").
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	formatter, err := parseFormat(format)
	if err != nil {
		return err
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger.SetLevel(lvl)
	logger.SetFormatter(formatter)
	return nil
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	lvl := logger.GetLevel()
	logger = log.NewWithOptions(w, log.Options{Level: lvl})
}

// SetLevel changes the level at runtime.
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger.SetLevel(lvl)
	return nil
}

// IsDebug reports whether debug lines are written.
func IsDebug() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger.GetLevel() <= log.DebugLevel
}

func parseFormat(format string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("invalid log format %q", format)
	}
}

func current() *log.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		logChan = make(chan entry, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for e := range logChan {
				write(current(), e.level, e.msg)
			}
		}()
	})
}

func write(l *log.Logger, level log.Level, msg string) {
	switch level {
	case log.DebugLevel:
		l.Debug(msg)
	case log.WarnLevel:
		l.Warn(msg)
	case log.ErrorLevel:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// GetInstanceID returns the ID that prefixes every line of this process.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		instanceID = os.Getenv("MPRIS_PROXY_INSTANCE")
		if instanceID != "" {
			return
		}
		hostname, _ := os.Hostname()
		if len(hostname) > 8 {
			hostname = hostname[len(hostname)-8:]
		}
		if hostname == "" {
			hostname = "unknown"
		}
		instanceID = hostname + "-" + strconv.Itoa(os.Getpid())
	})
	return instanceID
}

func enqueue(level log.Level, msg string) {
	initLogWorker()
	line := fmt.Sprintf("[instance=%s] %s", GetInstanceID(), msg)

	logMu.Lock()
	defer logMu.Unlock()
	select {
	case logChan <- entry{level: level, msg: line}:
	default:
		// Channel is full, write synchronously instead of dropping.
		write(current(), level, line)
	}
}

// Logf logs a formatted info message (async, non-blocking)
func Logf(format string, v ...interface{}) {
	enqueue(log.InfoLevel, fmt.Sprintf(format, v...))
}

// Debugf logs only when the level is debug.
func Debugf(format string, v ...interface{}) {
	if !IsDebug() {
		return
	}
	enqueue(log.DebugLevel, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	enqueue(log.WarnLevel, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	enqueue(log.ErrorLevel, fmt.Sprintf(format, v...))
}

// Fatalf flushes pending lines, logs synchronously and exits.
func Fatalf(format string, v ...interface{}) {
	Flush()
	msg := fmt.Sprintf(format, v...)
	current().Fatal(fmt.Sprintf("[instance=%s] %s", GetInstanceID(), msg))
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
