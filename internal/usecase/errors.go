package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"bedrock-chat/internal/identity"
	"bedrock-chat/internal/integrations/bedrock"
	"bedrock-chat/internal/repository"
	"bedrock-chat/internal/stream"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Remediation hints shown to the client ahead of the error's own message.
var userMessages = map[ErrorCode]string{
	ErrorInvalidInput: "The request was invalid.",
	ErrorUnauthorized: "Your session is invalid or has expired. Sign in again.",
	ErrorAccessDenied: "You do not have access to this model. Request model access in the Amazon Bedrock console or choose another model.",
	ErrorNotFound:     "The conversation was not found.",
	ErrorRateLimited:  "The model is receiving too many requests. Wait a few seconds and try again.",
	ErrorUpstream:     "The model request failed. Try again.",
	ErrorInternal:     "Something went wrong on our side. Try again.",
}

// Classify maps any error produced while serving a request to an ErrorCode.
func Classify(err error) ErrorCode {
	var ue *Error
	switch {
	case errors.As(err, &ue):
		return ue.Code
	case errors.Is(err, identity.ErrInvalidToken):
		return ErrorUnauthorized
	case errors.Is(err, repository.ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorUpstream
	}
	switch bedrock.Classify(err) {
	case bedrock.KindAccessDenied:
		return ErrorAccessDenied
	case bedrock.KindThrottled:
		return ErrorRateLimited
	case bedrock.KindValidation:
		return ErrorInvalidInput
	}
	return ErrorUpstream
}

// Describe returns the error event code and message for err: the hint for
// its code followed by the error's own message when it has one. Internal
// failures carry the hint only.
func Describe(err error) (string, string) {
	code := Classify(err)
	msg := userMessages[code]
	if detail := errorDetail(err); detail != "" && code != ErrorInternal {
		msg = fmt.Sprintf("%s (%s)", msg, detail)
	}
	return string(code), msg
}

func errorDetail(err error) string {
	var (
		flowErr *stream.FlowError
		apiErr  smithy.APIError
		ue      *Error
	)
	switch {
	case errors.As(err, &flowErr):
		return "flow completed with reason " + flowErr.Reason
	case errors.As(err, &apiErr):
		return strings.TrimSpace(apiErr.ErrorMessage())
	case errors.As(err, &ue) && ue.Code == ErrorInvalidInput:
		return ue.Reason
	}
	return ""
}
