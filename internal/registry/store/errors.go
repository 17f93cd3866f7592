package store

import "fmt"

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller is not a member of the conversation.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// NotOwnerError indicates the operation requires the caller to own the resource.
type NotOwnerError struct {
	Resource string
}

func (e *NotOwnerError) Error() string {
	if e.Resource == "" {
		return "not owner"
	}
	return fmt.Sprintf("not owner of %s", e.Resource)
}

// ErrSenderCannotMarkOwn is returned when a dialog member tries to mark only
// their own messages as read.
var ErrSenderCannotMarkOwn = &ValidationError{Field: "messageIds", Message: "sender cannot mark their own messages as read"}
