// Package errors provides structured error codes for the coordinator surfaces.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeUserIDEmpty  Code = "USER_ID_EMPTY"
	CodeUserNotFound Code = "USER_NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Friend request errors
	CodeFriendRequestNotFound Code = "FRIEND_REQUEST_NOT_FOUND"
	CodeFriendRequestSelf     Code = "FRIEND_REQUEST_SELF"

	// Conversation errors
	CodeConversationNotFound            Code = "CONVERSATION_NOT_FOUND"
	CodeConversationInvalidParticipants Code = "CONVERSATION_INVALID_PARTICIPANTS"
	CodeMessageBodyEmpty                Code = "MESSAGE_BODY_EMPTY"
	CodeMessageInvalidKind              Code = "MESSAGE_INVALID_KIND"

	// Call errors
	CodeCallNotFound       Code = "CALL_NOT_FOUND"
	CodeCallAlreadySettled Code = "CALL_ALREADY_SETTLED"
	CodeCallInvalidKind    Code = "CALL_INVALID_KIND"
	CodeCallInvalidOutcome Code = "CALL_INVALID_OUTCOME"
	CodeCallSelf           Code = "CALL_SELF"

	// Media token errors
	CodeTokenInvalidAppID  Code = "TOKEN_INVALID_APP_ID"
	CodeTokenInvalidSecret Code = "TOKEN_INVALID_SECRET"
	CodeTokenInvalidExpiry Code = "TOKEN_INVALID_EXPIRY"

	// Event errors
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

// HTTPStatus maps domain codes to HTTP status codes for the API surface.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeUserIDEmpty,
		CodeFriendRequestSelf,
		CodeConversationInvalidParticipants,
		CodeMessageBodyEmpty,
		CodeMessageInvalidKind,
		CodeCallInvalidKind,
		CodeCallInvalidOutcome,
		CodeCallSelf,
		CodeTokenInvalidAppID,
		CodeTokenInvalidSecret,
		CodeTokenInvalidExpiry,
		CodeValidationFailed:
		return http.StatusBadRequest

	// Conflict - state doesn't allow the transition
	case CodeCallAlreadySettled:
		return http.StatusConflict

	// Not found - resource doesn't exist
	case CodeUserNotFound,
		CodeFriendRequestNotFound,
		CodeConversationNotFound,
		CodeCallNotFound:
		return http.StatusNotFound

	case CodeUnauthorized:
		return http.StatusUnauthorized

	default:
		return http.StatusInternalServerError
	}
}
