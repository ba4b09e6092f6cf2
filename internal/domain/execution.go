package domain

import (
	"encoding/json"
	"time"
)

// ExecutionKind is the closed set of tracked job kinds.
type ExecutionKind string

const (
	KindProvisioningRun     ExecutionKind = "provisioning-run"
	KindInfrastructureApply ExecutionKind = "infrastructure-apply"
)

// Valid reports whether k is a known kind.
func (k ExecutionKind) Valid() bool {
	return k == KindProvisioningRun || k == KindInfrastructureApply
}

// ExecutionStatus is the tracked job status.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCancelled
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a forward move.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionPending:
		return to == ExecutionRunning || to == ExecutionFailed || to == ExecutionCancelled
	case ExecutionRunning:
		return to == ExecutionSuccess || to == ExecutionFailed || to == ExecutionCancelled
	}
	return false
}

// Job operations. The operation parameter selects the handler that runs an
// execution.
const (
	OpTerraformPlan    = "terraform.plan"
	OpTerraformApply   = "terraform.apply"
	OpTerraformDestroy = "terraform.destroy"
	OpTerraformRefresh = "terraform.refresh"
	OpHypervisorClone  = "hypervisor.clone"
	OpAnsiblePlaybook  = "ansible.playbook"
)

// Parameter keys stored in Execution.Parameters.
const (
	ParamOperation          = "operation"
	ParamPostDeployPlaybook = "post_deploy_playbook"
	ParamPostDeployVars     = "post_deploy_extra_vars"
	ParamWaitForSSH         = "wait_for_ssh"
	ParamParentExecution    = "parent_execution_id"
	ParamPlaybookRequest    = "playbook_request"
	ParamClone              = "clone"
	ParamPreviousStatus     = "previous_status"
)

// Execution is a tracked asynchronous job.
type Execution struct {
	ID         string                 `json:"id"`
	Kind       ExecutionKind          `json:"kind"`
	Status     ExecutionStatus        `json:"status"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Owner      string                 `json:"owner"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// Operation returns the job operation recorded in the parameters.
func (e *Execution) Operation() string {
	op, _ := e.Parameters[ParamOperation].(string)
	return op
}

// StringParam reads a string parameter.
func (e *Execution) StringParam(key string) string {
	v, _ := e.Parameters[key].(string)
	return v
}

// BoolParam reads a bool parameter, returning def when absent.
func (e *Execution) BoolParam(key string, def bool) bool {
	v, ok := e.Parameters[key].(bool)
	if !ok {
		return def
	}
	return v
}

// DecodeParam re-decodes a structured parameter into out.
func (e *Execution) DecodeParam(key string, out interface{}) error {
	raw, ok := e.Parameters[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// LogChunk is one ordered piece of captured output.
type LogChunk struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int64     `json:"seq"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	Kind     ExecutionKind
	Status   ExecutionStatus
	Target   string
	Page     int
	PageSize int
}

// Normalize applies paging defaults.
func (f *ExecutionFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
}

// ExecutionPage is one page of executions.
type ExecutionPage struct {
	Items    []*Execution `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}
