package event

import "github.com/carapace-sec/carapace/pkg/types"

// Event types published on the bus.
const (
	SessionCreated EventType = "session.created"
	SessionDeleted EventType = "session.deleted"
	SessionReset   EventType = "session.reset"

	RuleActivated EventType = "rule.activated"
	RulesReloaded EventType = "rules.reloaded"

	ApprovalRequired EventType = "approval.required"
	ApprovalResolved EventType = "approval.resolved"

	HistoryAppended EventType = "history.appended"
)

// SessionCreatedData accompanies SessionCreated.
type SessionCreatedData struct {
	Info types.SessionInfo `json:"info"`
}

// SessionDeletedData accompanies SessionDeleted.
type SessionDeletedData struct {
	SessionID string `json:"session_id"`
}

// SessionResetData accompanies SessionReset.
type SessionResetData struct {
	OldSessionID string `json:"old_session_id"`
	NewSessionID string `json:"new_session_id"`
}

// RuleActivatedData accompanies RuleActivated.
type RuleActivatedData struct {
	SessionID string `json:"session_id"`
	RuleID    string `json:"rule_id"`
}

// RulesReloadedData accompanies RulesReloaded.
type RulesReloadedData struct {
	Count int `json:"count"`
}

// ApprovalRequiredData accompanies ApprovalRequired.
type ApprovalRequiredData struct {
	SessionID  string   `json:"session_id"`
	ToolCallID string   `json:"tool_call_id"`
	Tool       string   `json:"tool"`
	RuleIDs    []string `json:"rule_ids,omitempty"`
}

// ApprovalResolvedData accompanies ApprovalResolved.
type ApprovalResolvedData struct {
	SessionID  string               `json:"session_id"`
	ToolCallID string               `json:"tool_call_id"`
	Status     types.ApprovalStatus `json:"status"`
}

// HistoryAppendedData accompanies HistoryAppended.
type HistoryAppendedData struct {
	SessionID string            `json:"session_id"`
	Entry     types.HistoryEntry `json:"entry"`
}
