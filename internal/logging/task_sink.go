package logging

import (
	"log/slog"
)

// TaskBufferSize is the number of entries a TaskSink keeps.
const TaskBufferSize = 500

// TaskSink is a task-scoped logger. Records go to the regular "crawler"
// module output and, until Stop, into a ring buffer owned by the sink.
type TaskSink struct {
	TaskID string
	Spider string

	format  string
	buffer  *EntryRing
	handler *BufferHandler
	logger  *slog.Logger
}

// NewTaskSink attaches a sink for one task. format is "text" or "json" and
// only affects Lines.
func NewTaskSink(taskID, spiderName, format string) *TaskSink {
	buffer := NewEntryRing(TaskBufferSize)
	handler := NewBufferHandler(buffer, slog.LevelDebug)

	base := GetLogger("crawler")
	recorded := handler.WithAttrs([]slog.Attr{slog.String("module", "crawler")})

	return &TaskSink{
		TaskID:  taskID,
		Spider:  spiderName,
		format:  format,
		buffer:  buffer,
		handler: handler,
		logger: slog.New(Tee(base.Handler(), recorded)).
			With("task_id", taskID, "spider", spiderName),
	}
}

// Logger returns the task logger.
func (s *TaskSink) Logger() *slog.Logger {
	return s.logger
}

// Stop detaches the sink. The logger keeps writing to the module output but
// nothing more is recorded. Stop is idempotent.
func (s *TaskSink) Stop() {
	s.handler.Close()
}

// Stopped reports whether Stop was called.
func (s *TaskSink) Stopped() bool {
	return s.handler.closed.Load()
}

// Entries returns the recorded entries, oldest first.
func (s *TaskSink) Entries() []LogEntry {
	return s.buffer.Entries()
}

// Evicted is the number of entries dropped once the sink was full.
func (s *TaskSink) Evicted() int {
	return s.buffer.Evicted()
}

// Lines returns the recorded entries rendered in the sink's format.
func (s *TaskSink) Lines() []string {
	entries := s.buffer.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		if s.format == "json" {
			lines[i] = FormatJSONLine(e)
		} else {
			lines[i] = FormatLogLine(e)
		}
	}
	return lines
}
