package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePlan         EventType = "plan"
	EventTypeStep         EventType = "step"
	EventTypeProgress     EventType = "progress"
	EventTypeConfirmation EventType = "confirmation"
	EventTypeStage        EventType = "stage"
	EventTypeSweep        EventType = "sweep"
	EventTypeCost         EventType = "cost"
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeLLM          EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPlan(sessionID string, taskCount int, request string) {
	l.Log(Event{
		Type:      EventTypePlan,
		SessionID: sessionID,
		Data: map[string]any{
			"task_count": taskCount,
			"request":    request,
		},
	})
}

func (l *Logger) LogStep(sessionID, taskID string, data map[string]any) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		TaskID:    taskID,
		Data:      data,
	})
}

func (l *Logger) LogProgress(sessionID string, completed, total int, current string) {
	l.Log(Event{
		Type:      EventTypeProgress,
		SessionID: sessionID,
		Data: map[string]any{
			"completed": completed,
			"total":     total,
			"current":   current,
		},
	})
}

func (l *Logger) LogConfirmation(sessionID, taskID, kind, operation string) {
	l.Log(Event{
		Type:      EventTypeConfirmation,
		SessionID: sessionID,
		TaskID:    taskID,
		Data: map[string]string{
			"kind":      kind,
			"operation": operation,
		},
	})
}

func (l *Logger) LogStage(sessionID, from, to, selection string) {
	l.Log(Event{
		Type:      EventTypeStage,
		SessionID: sessionID,
		Data: map[string]string{
			"from":      from,
			"to":        to,
			"selection": selection,
		},
	})
}

func (l *Logger) LogSweep(sessions, pausedStates int) {
	l.Log(Event{
		Type: EventTypeSweep,
		Data: map[string]int{
			"sessions":      sessions,
			"paused_states": pausedStates,
		},
	})
}

func (l *Logger) LogCost(sessionID string, promptTokens, completionTokens int, model string) {
	l.Log(Event{
		Type:      EventTypeCost,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
			"model":             model,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(sessionID string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
