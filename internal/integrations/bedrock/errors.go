// Package bedrock holds the Bedrock control-plane catalog client and the
// error classification shared by the stream adapters and the scanner.
package bedrock

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Kind classifies an upstream Bedrock failure.
type Kind int

const (
	KindOther Kind = iota
	KindThrottled
	KindAccessDenied
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindAccessDenied:
		return "access_denied"
	case KindValidation:
		return "validation"
	default:
		return "other"
	}
}

// Classify maps an error returned by a Bedrock API call to a Kind.
func Classify(err error) Kind {
	switch Code(err) {
	case "ThrottlingException":
		return KindThrottled
	case "AccessDeniedException":
		return KindAccessDenied
	case "ValidationException":
		return KindValidation
	default:
		return KindOther
	}
}

// Code returns the AWS error code carried by err, or "" when err is not an
// API error.
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
