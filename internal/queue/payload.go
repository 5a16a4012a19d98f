package queue

import (
	"encoding/json"
	"fmt"
)

// SyncPayload stores the data for a queued sync pass.
type SyncPayload struct {
	// HistoryID is the watermark pushed by the mailbox notification, if
	// any. Informational: the engine reads its own stored watermark.
	HistoryID string `json:"history_id,omitempty"`

	// ForceFull skips incremental sync and runs a full pass.
	ForceFull bool `json:"force_full,omitempty"`
}

// ClassifyPayload stores the data for a queued classification.
type ClassifyPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// DraftPayload stores the data for a queued draft generation.
type DraftPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// ReworkPayload stores the data for a queued draft rework.
type ReworkPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// Cleanup actions carried by CleanupPayload.
const (
	// CleanupActionDone archives a thread the operator marked done.
	CleanupActionDone = "done"

	// CleanupActionCheckSent checks whether a tracked draft was sent.
	CleanupActionCheckSent = "check_sent"
)

// CleanupPayload stores the data for a queued cleanup operation.
type CleanupPayload struct {
	ThreadID string `json:"thread_id"`
	Action   string `json:"action"`
}

// ManualDraftPayload stores the data for a queued operator-instructed draft.
type ManualDraftPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// AgentProcessPayload stores the data for a queued agent rule run.
type AgentProcessPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	RuleName  string `json:"rule_name,omitempty"`
}

// MarshalPayload serializes a payload struct to JSON for queue storage.
func MarshalPayload(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	return string(data), nil
}

// UnmarshalPayload deserializes a JSON payload string back into the
// appropriate type based on the job type.
func UnmarshalPayload(
	jobType JobType, jsonStr string,
) (any, error) {
	switch jobType {
	case JobSync:
		var p SyncPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal sync: %w", err)
		}
		return &p, nil

	case JobClassify:
		var p ClassifyPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal classify: %w", err)
		}
		return &p, nil

	case JobDraft:
		var p DraftPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal draft: %w", err)
		}
		return &p, nil

	case JobRework:
		var p ReworkPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal rework: %w", err)
		}
		return &p, nil

	case JobCleanup:
		var p CleanupPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal cleanup: %w", err)
		}
		return &p, nil

	case JobManualDraft:
		var p ManualDraftPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal manual draft: %w",
				err)
		}
		return &p, nil

	case JobAgentProcess:
		var p AgentProcessPayload
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			return nil, fmt.Errorf("unmarshal agent process: %w",
				err)
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("unknown job type: %s", jobType)
	}
}
