package domain

import "time"

// HistoryAction names a mutating action recorded in the ledger.
type HistoryAction string

const (
	ActionCreated       HistoryAction = "created"
	ActionDeployed      HistoryAction = "deployed"
	ActionDestroyed     HistoryAction = "destroyed"
	ActionImported      HistoryAction = "imported"
	ActionConfigChanged HistoryAction = "config_changed"
	ActionMigrated      HistoryAction = "migrated"
	ActionRollback      HistoryAction = "rollback"
)

// Valid reports whether a is a known action.
func (a HistoryAction) Valid() bool {
	switch a {
	case ActionCreated, ActionDeployed, ActionDestroyed, ActionImported,
		ActionConfigChanged, ActionMigrated, ActionRollback:
		return true
	}
	return false
}

// HistoryEntry is an immutable audit record.
type HistoryEntry struct {
	ID           string                 `json:"id"`
	VMName       string                 `json:"vm_name"`
	Action       HistoryAction          `json:"action"`
	Actor        string                 `json:"actor"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Metadata     map[string]interface{} `json:"metadata"`
	ConfigBefore string                 `json:"config_before,omitempty"`
	ConfigAfter  string                 `json:"config_after,omitempty"`
}

// HasConfigDiff reports whether the entry carries a definition snapshot.
func (h *HistoryEntry) HasConfigDiff() bool {
	return h.ConfigBefore != "" || h.ConfigAfter != ""
}

// HistorySummary is the list view of an entry, without snapshot text.
type HistorySummary struct {
	ID            string                 `json:"id"`
	VMName        string                 `json:"vm_name"`
	Action        HistoryAction          `json:"action"`
	Actor         string                 `json:"actor"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Metadata      map[string]interface{} `json:"metadata"`
	HasConfigDiff bool                   `json:"has_config_diff"`
}

// Summary strips the snapshot text.
func (h *HistoryEntry) Summary() HistorySummary {
	return HistorySummary{
		ID:            h.ID,
		VMName:        h.VMName,
		Action:        h.Action,
		Actor:         h.Actor,
		ExecutionID:   h.ExecutionID,
		CreatedAt:     h.CreatedAt,
		Metadata:      h.Metadata,
		HasConfigDiff: h.HasConfigDiff(),
	}
}

// HistoryFilter selects ledger entries, newest first.
type HistoryFilter struct {
	VMName string
	Action HistoryAction
	Limit  int
}

// RestoreTarget selects which snapshot of an entry a rollback restores.
type RestoreTarget string

const (
	RestoreBefore RestoreTarget = "before"
	RestoreAfter  RestoreTarget = "after"
)
