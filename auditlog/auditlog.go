// Package auditlog writes the daemon's structured audit trail: one
// JSON object per line with a fixed field set, a level filter taken
// from policy and byte-capped rotation of the log file.
package auditlog

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is the schema of one audit line.
type Entry struct {
	DatetimeUTC string `json:"datetime_utc"`
	Level       string `json:"level"`
	Event       string `json:"event"`
	Src         string `json:"src,omitempty"`
	Dst         string `json:"dst,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Version     string `json:"version"`
}

// Logger appends audit entries to a JSONL file. Writes are serialized
// by logrus; rotation happens when the file exceeds the byte cap.
type Logger struct {
	mu      sync.Mutex
	log     *logrus.Logger
	rotator *lumberjack.Logger
	version string
}

// jsonlFormatter renders entries in the fixed audit schema. The
// timestamp is always UTC.
type jsonlFormatter struct {
	version string
}

func (f *jsonlFormatter) Format(e *logrus.Entry) ([]byte, error) {
	entry := Entry{
		DatetimeUTC: e.Time.UTC().Format("2006-01-02 15:04:05 UTC"),
		Level:       shortLevel(e.Level),
		Status:      "ok",
		Message:     e.Message,
		Version:     f.version,
	}
	if v, ok := e.Data["event"].(string); ok {
		entry.Event = v
	}
	if v, ok := e.Data["src"].(string); ok {
		entry.Src = v
	}
	if v, ok := e.Data["dst"].(string); ok {
		entry.Dst = v
	}
	if v, ok := e.Data["status"].(string); ok {
		entry.Status = v
	}
	line, err := json.Marshal(&entry)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// shortLevel maps logrus level names onto the audit vocabulary.
func shortLevel(l logrus.Level) string {
	switch l {
	case logrus.WarnLevel:
		return "warn"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "error"
	case logrus.DebugLevel, logrus.TraceLevel:
		return "debug"
	default:
		return "info"
	}
}

// New opens (or creates) the audit log at path. level is one of
// debug, info, warn, error; entries below it are dropped. maxBytes
// caps the file size before rotation kicks in.
func New(path, level string, maxBytes int64, version string) *Logger {
	maxMB := int(maxBytes / (1 << 20))
	if maxMB < 1 {
		maxMB = 1
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: 3,
	}
	log := logrus.New()
	log.SetOutput(rotator)
	log.SetFormatter(&jsonlFormatter{version: version})
	log.SetLevel(parseLevel(level))
	return &Logger{log: log, rotator: rotator, version: version}
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel adjusts the level filter at runtime, after a policy
// re-read.
func (l *Logger) SetLevel(level string) {
	l.log.SetLevel(parseLevel(level))
}

// Event appends one audit entry. src, dst and message may be empty;
// status mirrors the level for warn and error events and is "ok"
// otherwise.
func (l *Logger) Event(level, event, src, dst, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := "ok"
	if level == "warn" || level == "error" {
		status = level
	}
	fields := logrus.Fields{"event": event, "status": status}
	if src != "" {
		fields["src"] = src
	}
	if dst != "" {
		fields["dst"] = dst
	}
	e := l.log.WithFields(fields)
	switch level {
	case "debug":
		e.Debug(message)
	case "warn":
		e.Warn(message)
	case "error":
		e.Error(message)
	default:
		e.Info(message)
	}
}

// Info logs an informational event.
func (l *Logger) Info(event, message string) { l.Event("info", event, "", "", message) }

// Warn logs a warning event.
func (l *Logger) Warn(event, message string) { l.Event("warn", event, "", "", message) }

// Error logs an error event.
func (l *Logger) Error(event, message string) { l.Event("error", event, "", "", message) }

// Close flushes and closes the underlying rotator.
func (l *Logger) Close() error {
	return l.rotator.Close()
}

// Summary holds event and level counters parsed from a JSONL stream.
type Summary struct {
	Events map[string]int
	Levels map[string]int
	Lines  int
}

// Summarize parses a JSONL audit stream and counts events and levels.
// Unparseable lines are skipped, matching how operators eyeball a
// partially rotated log.
func Summarize(r io.Reader) (*Summary, error) {
	s := &Summary{
		Events: make(map[string]int),
		Levels: make(map[string]int),
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		s.Lines++
		s.Events[e.Event]++
		s.Levels[e.Level]++
	}
	return s, scanner.Err()
}
