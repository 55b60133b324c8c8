package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Metadata is the decoded input of a single output. Each task type has
// exactly one concrete payload shape.
type Metadata interface {
	TaskType() Type
}

type ChatMetadata struct {
	Prompt          string  `json:"prompt"`
	FileID          []int64 `json:"fileId,omitempty"`
	AllFileSearch   bool    `json:"allFileSearch,omitempty"`
	WebSearchSwitch int     `json:"webSearchSwitch,omitempty"`
}

func (ChatMetadata) TaskType() Type { return TypeChat }

// UsesRetrieval reports whether reference documents were attached or selected.
func (m ChatMetadata) UsesRetrieval() bool {
	return len(m.FileID) > 0 || m.AllFileSearch
}

type SummaryMetadata struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

func (SummaryMetadata) TaskType() Type { return TypeSummary }

type TranslateMetadata struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"targetLanguage"`
}

func (TranslateMetadata) TaskType() Type { return TypeTranslate }

type FileUploadMetadata struct {
	FileID   int64  `json:"fileId"`
	FileName string `json:"fileName"`
}

func (FileUploadMetadata) TaskType() Type { return TypeFileUpload }

type QuestionGenMetadata struct {
	Topic string `json:"topic"`
	Count int    `json:"count,omitempty"`
}

func (QuestionGenMetadata) TaskType() Type { return TypeQuestionGen }

var ErrEmptyMetadata = errors.New("metadata is empty")

// DecodeMetadata decodes raw output metadata into the payload shape of t.
func DecodeMetadata(t Type, raw json.RawMessage) (Metadata, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMetadata
	}

	var (
		m   Metadata
		err error
	)
	switch t {
	case TypeChat:
		var v ChatMetadata
		err = json.Unmarshal(raw, &v)
		if err == nil && v.Prompt == "" {
			err = fmt.Errorf("prompt is required")
		}
		m = v
	case TypeSummary:
		var v SummaryMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeTranslate:
		var v TranslateMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeFileUpload:
		var v FileUploadMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TypeQuestionGen:
		var v QuestionGenMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown task type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return m, nil
}

// DecodeJob parses a queue envelope and validates its task type.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if j.TaskID == "" {
		return Job{}, fmt.Errorf("job has no task id")
	}
	if !j.TaskType.Valid() {
		return Job{}, fmt.Errorf("unknown task type: %s", j.TaskType)
	}
	return j, nil
}
