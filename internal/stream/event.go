// Package stream relays generation progress to attached clients over
// Server-Sent Events, using Redis pub/sub for fan-out between workers and
// HTTP handlers.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventConnected   EventType = "connected"
	EventQueueStatus EventType = "queue_status"
	EventChunk       EventType = "chunk"
	EventUpdate      EventType = "update"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Terminal reports whether the event ends the stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is the transport form broadcast to subscribers and kept in the
// per-task backlog. OutputID names the output the event reports on and is
// empty for task-wide events.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"taskId"`
	OutputID  string          `json:"outputId,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

func newEvent(id int64, taskID string, typ EventType, data any, ts time.Time) (Event, error) {
	if taskID == "" {
		return Event{}, fmt.Errorf("stream: task id is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("stream: marshal payload: %w", err)
	}
	return Event{ID: id, TaskID: taskID, OutputID: outputOf(data), Type: typ, Timestamp: ts.UTC(), Data: payload}, nil
}

func outputOf(data any) string {
	switch d := data.(type) {
	case Chunk:
		return d.OutputID
	case Update:
		return d.OutputID
	case Complete:
		return d.OutputID
	case Error:
		return d.OutputID
	}
	return ""
}

type Connected struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

type QueueStatus struct {
	Position             int64  `json:"position"`
	EstimatedWaitMs      int64  `json:"estimatedWaitMs"`
	EstimatedWaitDisplay string `json:"estimatedWaitDisplay"`
}

type Chunk struct {
	OutputID string `json:"outputId"`
	Text     string `json:"text"`
}

type Update struct {
	OutputID  string    `json:"outputId"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Complete struct {
	OutputID string `json:"outputId,omitempty"`
	Content  string `json:"content"`
	Status   string `json:"status"`
}

type Error struct {
	OutputID string `json:"outputId,omitempty"`
	Message  string `json:"message"`
}
