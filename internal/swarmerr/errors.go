// Package swarmerr provides structured error types for swarmops.
package swarmerr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for swarmops.
const (
	// Progress document errors
	CodeParseCycle      Code = "PARSE_CYCLE"
	CodeParseUnknownDep Code = "PARSE_UNKNOWN_DEPENDENCY"
	CodeParseDuplicate  Code = "PARSE_DUPLICATE_ID"
	CodeParseNoTasks    Code = "PARSE_NO_TASKS"

	// State file errors
	CodeStateNotFound Code = "STATE_NOT_FOUND"
	CodeStateIO       Code = "STATE_IO"

	// Work ledger errors
	CodeWorkNotFound      Code = "WORK_NOT_FOUND"
	CodeInvalidTransition Code = "WORK_INVALID_TRANSITION"

	// Dispatch errors
	CodeSpawnFailed        Code = "SPAWN_FAILED"
	CodeGatewayUnavailable Code = "GATEWAY_UNAVAILABLE"
	CodeRetryExhausted     Code = "RETRY_EXHAUSTED"
	CodeDuplicateSpawn     Code = "DUPLICATE_SPAWN"

	// Git errors
	CodeMergeConflict Code = "MERGE_CONFLICT"
	CodeGitFailed     Code = "GIT_FAILED"

	// Entity lookup errors
	CodeRunNotFound        Code = "RUN_NOT_FOUND"
	CodeRunActive          Code = "RUN_ACTIVE"
	CodeRoleNotFound       Code = "ROLE_NOT_FOUND"
	CodePipelineNotFound   Code = "PIPELINE_NOT_FOUND"
	CodeProjectNotFound    Code = "PROJECT_NOT_FOUND"
	CodeEscalationNotFound Code = "ESCALATION_NOT_FOUND"

	// Webhook errors
	CodeWebhookInvalid Code = "WEBHOOK_INVALID"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeParseCycle:         CategoryBadRequest,
	CodeParseUnknownDep:    CategoryBadRequest,
	CodeParseDuplicate:     CategoryBadRequest,
	CodeParseNoTasks:       CategoryBadRequest,
	CodeStateNotFound:      CategoryNotFound,
	CodeStateIO:            CategoryInternal,
	CodeWorkNotFound:       CategoryNotFound,
	CodeInvalidTransition:  CategoryBadRequest,
	CodeSpawnFailed:        CategoryInternal,
	CodeGatewayUnavailable: CategoryUnavailable,
	CodeRetryExhausted:     CategoryInternal,
	CodeDuplicateSpawn:     CategoryConflict,
	CodeMergeConflict:      CategoryConflict,
	CodeGitFailed:          CategoryInternal,
	CodeRunNotFound:        CategoryNotFound,
	CodeRunActive:          CategoryConflict,
	CodeRoleNotFound:       CategoryNotFound,
	CodePipelineNotFound:   CategoryNotFound,
	CodeProjectNotFound:    CategoryNotFound,
	CodeEscalationNotFound: CategoryNotFound,
	CodeWebhookInvalid:     CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for swarmops.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrCycle reports a dependency cycle in the progress document.
func ErrCycle(path []string) *Error {
	return &Error{
		Code: CodeParseCycle,
		What: "progress document has a dependency cycle",
		Why:  fmt.Sprintf("cycle through tasks: %s", strings.Join(path, " -> ")),
		Fix:  "Remove one of the @depends annotations so the graph is acyclic",
	}
}

// ErrUnknownDependency reports a @depends id with no matching task.
func ErrUnknownDependency(taskID, depID string) *Error {
	return &Error{
		Code: CodeParseUnknownDep,
		What: fmt.Sprintf("task %s depends on unknown task %s", taskID, depID),
		Why:  "Every @depends id must reference an @id in the same document",
		Fix:  fmt.Sprintf("Add a task with @id(%s) or remove the dependency", depID),
	}
}

// ErrDuplicateID reports a repeated @id annotation.
func ErrDuplicateID(taskID string) *Error {
	return &Error{
		Code: CodeParseDuplicate,
		What: fmt.Sprintf("duplicate task id %s", taskID),
		Why:  "@id values must be unique within a progress document",
		Fix:  "Rename one of the duplicate @id annotations",
	}
}

// ErrNoTasks reports a progress document with no parseable tasks.
func ErrNoTasks() *Error {
	return &Error{
		Code: CodeParseNoTasks,
		What: "progress document contains no tasks",
		Why:  "No lines matching '- [ ]' or '- [x]' with an @id annotation were found",
		Fix:  "Add at least one task line, e.g. '- [ ] Build the parser @id(parser)'",
	}
}

// ErrWorkNotFound reports a missing work item.
func ErrWorkNotFound(id string) *Error {
	return &Error{
		Code: CodeWorkNotFound,
		What: fmt.Sprintf("work item %s not found", id),
		Why:  "No work item with this id exists in the ledger",
	}
}

// ErrInvalidTransition reports a status change the work state machine forbids.
func ErrInvalidTransition(id, from, to string) *Error {
	return &Error{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("invalid status transition for %s", id),
		Why:  fmt.Sprintf("cannot move from %q to %q", from, to),
		Fix:  "Allowed: pending->running, running->complete|failed|cancelled, pending->cancelled",
	}
}

// ErrSpawnFailed reports a gateway spawn that did not start a session.
func ErrSpawnFailed(taskID string, cause error) *Error {
	return &Error{
		Code:  CodeSpawnFailed,
		What:  fmt.Sprintf("failed to spawn worker for task %s", taskID),
		Why:   "The session gateway rejected or could not start the session",
		Fix:   "Check gateway connectivity and SWARMOPS_GATEWAY_URL",
		Cause: cause,
	}
}

// ErrGatewayUnavailable reports a gateway request that never produced a
// usable response.
func ErrGatewayUnavailable(why string, cause error) *Error {
	return &Error{
		Code:  CodeGatewayUnavailable,
		What:  "session gateway unavailable",
		Why:   why,
		Fix:   "Check gateway connectivity and SWARMOPS_GATEWAY_URL",
		Cause: cause,
	}
}

// ErrRunNotFound reports a lookup for an unknown run.
func ErrRunNotFound(runID string) *Error {
	return &Error{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", runID),
		Why:  "No run file exists for this id and it is not in the active table",
	}
}

// ErrRunActive reports a second run started for a project with one in flight.
func ErrRunActive(project, runID string) *Error {
	return &Error{
		Code: CodeRunActive,
		What: fmt.Sprintf("project %s already has an active run", project),
		Why:  fmt.Sprintf("run %s is still in a non-terminal state", runID),
		Fix:  "Wait for the run to finish or cancel it first",
	}
}

// ErrRoleNotFound reports a dispatch against an unconfigured role.
func ErrRoleNotFound(roleID string) *Error {
	return &Error{
		Code: CodeRoleNotFound,
		What: fmt.Sprintf("role %s not found", roleID),
		Why:  "No role with this id exists in roles.json",
		Fix:  "Run 'swarmops roles' to list configured roles",
	}
}

// ErrPipelineNotFound reports a start request for an unknown pipeline.
func ErrPipelineNotFound(id string) *Error {
	return &Error{
		Code: CodePipelineNotFound,
		What: fmt.Sprintf("pipeline %s not found", id),
		Why:  "No pipeline with this id exists in pipelines.json",
	}
}

// ErrProjectNotFound reports an operation against a project with no
// state file.
func ErrProjectNotFound(name string) *Error {
	return &Error{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", name),
		Why:  "No state.json exists in the project directory",
		Fix:  "Run 'swarmops init <name>' to create the project",
	}
}

// ErrEscalationNotFound reports a resolve/dismiss against an unknown escalation.
func ErrEscalationNotFound(id string) *Error {
	return &Error{
		Code: CodeEscalationNotFound,
		What: fmt.Sprintf("escalation %s not found", id),
		Why:  "No escalation with this id exists in the queue",
		Fix:  "Run 'swarmops escalations list' to see open escalations",
	}
}

// ErrWebhookInvalid reports a webhook body missing required fields.
func ErrWebhookInvalid(why string) *Error {
	return &Error{
		Code: CodeWebhookInvalid,
		What: "invalid webhook payload",
		Why:  why,
	}
}
