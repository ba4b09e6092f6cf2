package errors

import (
	"fmt"
	"net/http"
)

// Error codes. Messages are English; the code is the stable contract.

// VM error codes.
const (
	CodeVMNotFound    = "VM_NOT_FOUND"
	CodeVMExists      = "VM_ALREADY_EXISTS"
	CodeVMBusy        = "VM_BUSY"
	CodeVMNotDeployed = "VM_NOT_DEPLOYED"
	CodeVMDeployed    = "VM_DEPLOYED"
	CodeAlreadyOnNode = "ALREADY_ON_NODE"
	CodeVMAbsent      = "VM_ABSENT_ON_HYPERVISOR"
)

// Network identity error codes.
const (
	CodeIPConflict   = "IP_CONFLICT"
	CodeIPExhausted  = "IP_POOL_EXHAUSTED"
	CodeInvalidIP    = "INVALID_IP"
	CodeVMIDMismatch = "VMID_MISMATCH"
)

// Tracking error codes.
const (
	CodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	CodeHistoryNotFound   = "HISTORY_ENTRY_NOT_FOUND"
	CodeInvalidTransition = "INVALID_STATUS_TRANSITION"
	CodeMigrationRunning  = "MIGRATION_IN_PROGRESS"
	CodeTaskFailed        = "TASK_FAILED"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeNameInvalid         = "INVALID_NAME"
	CodeNoSnapshot          = "NO_CONFIG_SNAPSHOT"
)

// Generic codes per taxonomy kind.
const (
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeExternalUnavailable = "EXTERNAL_UNAVAILABLE"
	CodeExternalRejected    = "EXTERNAL_REJECTED"
	CodePartialFailure      = "PARTIAL_FAILURE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Convenience constructors using predefined codes.

// ErrVMNotFoundf creates a VM not found error.
func ErrVMNotFoundf(name string) *AppError {
	return NotFound(CodeVMNotFound, fmt.Sprintf("vm %q not found", name)).
		WithParams(map[string]interface{}{"vm_name": name})
}

// ErrVMBusyf reports a mutating operation already in flight for the name.
func ErrVMBusyf(name string) *AppError {
	return &AppError{
		Code:       CodeVMBusy,
		Message:    fmt.Sprintf("another operation is in progress for vm %q", name),
		Kind:       KindConflict,
		HTTPStatus: http.StatusConflict,
		Params:     map[string]interface{}{"vm_name": name},
	}
}

// ErrIPConflictf reports an address claimed by someone else.
func ErrIPConflictf(ip string) *AppError {
	return Conflict(CodeIPConflict, fmt.Sprintf("ip %s is no longer available", ip)).
		WithParams(map[string]interface{}{"ip_address": ip})
}

// ErrValidationf creates a validation error with a formatted message.
func ErrValidationf(format string, args ...interface{}) *AppError {
	return BadRequest(CodeValidationFailed, fmt.Sprintf(format, args...))
}
