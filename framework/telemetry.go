package framework

import (
	"encoding/json"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType categorizes supervision events.
type EventType string

const (
	EventServerStarted             EventType = "server_started"
	EventServerStartFailed         EventType = "server_start_failed"
	EventServerStopped             EventType = "server_stopped"
	EventServerStopFailed          EventType = "server_stop_failed"
	EventServerExited              EventType = "server_exited"
	EventServerUnhealthy           EventType = "server_unhealthy"
	EventServerRestarting          EventType = "server_restarting"
	EventServerMaxRestartsExceeded EventType = "server_max_restarts_exceeded"
	EventServerOutput              EventType = "server_output"
	EventServerError               EventType = "server_error"
)

// Event captures one supervision signal. Events are observational; nothing
// in the supervisor waits on their delivery.
type Event struct {
	Type         EventType      `json:"type"`
	ProcessID    string         `json:"process_id,omitempty"`
	Name         string         `json:"name"`
	Message      string         `json:"message,omitempty"`
	ExitCode     int            `json:"exit_code,omitempty"`
	RestartCount int            `json:"restart_count,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Telemetry receives supervision events. Implementations must not block.
type Telemetry interface {
	Emit(event Event)
}

// NopTelemetry discards everything.
type NopTelemetry struct{}

// Emit implements Telemetry.
func (NopTelemetry) Emit(Event) {}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// ChannelTelemetry delivers events to a buffered channel and drops them when
// the consumer falls behind.
type ChannelTelemetry struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int
}

// NewChannelTelemetry builds a sink with the given buffer size.
func NewChannelTelemetry(size int) *ChannelTelemetry {
	if size <= 0 {
		size = 64
	}
	return &ChannelTelemetry{ch: make(chan Event, size)}
}

// Emit implements Telemetry.
func (c *ChannelTelemetry) Emit(event Event) {
	select {
	case c.ch <- event:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Events exposes the receive side.
func (c *ChannelTelemetry) Events() <-chan Event {
	return c.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (c *ChannelTelemetry) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
// This allows external tools to tail and process the stream in real-time.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.enc = nil
	return err
}

// LoggerTelemetry mirrors events into a zap logger and is the only place
// process lifecycle gets logged. Output chunks are logged at debug level,
// failures and force-kills at warn, lifecycle at info.
type LoggerTelemetry struct {
	Logger *zap.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		return
	}
	fields := []zap.Field{zap.String("name", event.Name)}
	if event.ProcessID != "" {
		fields = append(fields, zap.String("process_id", event.ProcessID))
	}
	if event.Message != "" {
		fields = append(fields, zap.String("message", event.Message))
	}
	if event.RestartCount > 0 {
		fields = append(fields, zap.Int("restart_count", event.RestartCount))
	}
	if event.ExitCode != 0 {
		fields = append(fields, zap.Int("exit_code", event.ExitCode))
	}
	for _, key := range slices.Sorted(maps.Keys(event.Metadata)) {
		fields = append(fields, zap.Any(key, event.Metadata[key]))
	}
	msg := string(event.Type)
	switch event.Type {
	case EventServerOutput, EventServerError:
		logger.Debug(msg, fields...)
	case EventServerStartFailed, EventServerStopFailed, EventServerUnhealthy, EventServerMaxRestartsExceeded, EventServerRestarting:
		logger.Warn(msg, fields...)
	case EventServerStopped:
		if graceful, ok := event.Metadata["graceful"].(bool); ok && !graceful {
			logger.Warn(msg, fields...)
			return
		}
		logger.Info(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}
