package task

import (
	"encoding/json"
	"strings"
	"time"
)

type Type string

const (
	TypeChat        Type = "CHAT"
	TypeSummary     Type = "SUMMARY"
	TypeTranslate   Type = "TRANSLATE"
	TypeFileUpload  Type = "FILEUPLOAD"
	TypeQuestionGen Type = "QUESTION_GEN"
)

// Types lists every task type the engine knows how to queue.
var Types = []Type{TypeChat, TypeSummary, TypeTranslate, TypeFileUpload, TypeQuestionGen}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// QueueName returns the lowercase queue name with separators stripped,
// e.g. QUESTION_GEN -> questiongen.
func (t Type) QueueName() string {
	name := strings.ToLower(string(t))
	name = strings.ReplaceAll(name, "-", "")
	return strings.ReplaceAll(name, "_", "")
}

// Sequential reports whether outputs of this type must be processed one at a
// time in sort order.
func (t Type) Sequential() bool {
	return t == TypeQuestionGen
}

type Status string

const (
	StatusWait      Status = "WAIT"
	StatusInProcess Status = "IN_PROCESS"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancel    Status = "CANCEL"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancel
}

type OutputStatus string

const (
	OutputWait       OutputStatus = "WAIT"
	OutputInProcess  OutputStatus = "IN_PROCESS"
	OutputProcessing OutputStatus = "PROCESSING"
	OutputFinished   OutputStatus = "FINISHED"
	OutputFailed     OutputStatus = "FAILED"
	OutputCancel     OutputStatus = "CANCEL"
)

func (s OutputStatus) Terminal() bool {
	return s == OutputFinished || s == OutputFailed || s == OutputCancel
}

type Task struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Status    Status          `json:"status"`
	FormData  json.RawMessage `json:"formData,omitempty"`
	Title     string          `json:"title"`
	UserName  string          `json:"userName"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Output struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Sort      int             `json:"sort"`
	Status    OutputStatus    `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Content   string          `json:"content"`
	Feedback  string          `json:"feedback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Job is the envelope carried through the work queues.
type Job struct {
	TaskID   string `json:"taskId"`
	TaskType Type   `json:"taskType"`
}
