package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/imagecodec"
	"github.com/example/faceauth/internal/repository"
)

// Reason is the machine readable outcome of an enroll or verify request.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonDecodeFailure       Reason = "decode_failure"
	ReasonNoFaceDetected      Reason = "no_face_detected"
	ReasonMultipleFaces       Reason = "multiple_faces"
	ReasonUnknownUser         Reason = "unknown_user"
	ReasonDuplicateUsername   Reason = "duplicate_username"
	ReasonNoMatch             Reason = "no_match"
	ReasonUpstreamUnavailable Reason = "upstream_unavailable"
	ReasonUpstreamTimeout     Reason = "upstream_timeout"
	ReasonInternal            Reason = "internal"
)

// Message returns the caller facing text for r. Unknown users and
// mismatched faces share a message so responses do not reveal who is enrolled.
func (r Reason) Message(flow string) string {
	switch r {
	case ReasonOK:
		if flow == repository.FlowEnroll {
			return "Signup successful!"
		}
		return "Sign-in successful!"
	case ReasonInvalidRequest:
		if flow == repository.FlowEnroll {
			return "username, credential and at least one image are required"
		}
		return "username and image are required"
	case ReasonDecodeFailure:
		return "image could not be decoded"
	case ReasonNoFaceDetected:
		return "no face detected"
	case ReasonMultipleFaces:
		return "more than one face detected"
	case ReasonDuplicateUsername:
		return "username already enrolled"
	case ReasonUnknownUser, ReasonNoMatch:
		return "Authentication failed."
	case ReasonUpstreamUnavailable, ReasonUpstreamTimeout:
		return "service temporarily unavailable, please retry"
	default:
		return "internal error"
	}
}

// EnrollRequest carries the enrollment input as received by the gateway.
type EnrollRequest struct {
	Username   string
	Credential string
	Images     []string
}

// EnrollResult is the structured outcome of Enroll.
type EnrollResult struct {
	RequestID string
	Success   bool
	Reason    Reason
	Message   string
	Username  string
	CreatedAt time.Time
}

// VerifyRequest carries the verification input as received by the gateway.
type VerifyRequest struct {
	Username string
	Image    string
}

// VerifyResult is the structured outcome of Verify. Distance and Decision are
// set once a comparison ran and are meant for diagnostics only.
type VerifyResult struct {
	RequestID string
	Success   bool
	Reason    Reason
	Message   string
	Distance  *float64
	Decision  biometric.Decision
	Threshold float64
	Token     string
}

func classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonOK
	case errors.Is(err, errInvalidRequest):
		return ReasonInvalidRequest
	case errors.Is(err, errNoFace):
		return ReasonNoFaceDetected
	case errors.Is(err, errInternal):
		return ReasonInternal
	case errors.Is(err, repository.ErrNotFound):
		return ReasonUnknownUser
	case errors.Is(err, repository.ErrDuplicateUsername):
		return ReasonDuplicateUsername
	case errors.Is(err, imagecodec.ErrMalformed),
		errors.Is(err, imagecodec.ErrUnsupportedMedia),
		errors.Is(err, extractor.ErrInvalidImage):
		return ReasonDecodeFailure
	case errors.Is(err, extractor.ErrMultipleFaces):
		return ReasonMultipleFaces
	case errors.Is(err, biometric.ErrDimensionMismatch),
		errors.Is(err, biometric.ErrEmptyVector),
		errors.Is(err, biometric.ErrEmptySamples):
		return ReasonInternal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, extractor.ErrTimeout):
		return ReasonUpstreamTimeout
	default:
		return ReasonUpstreamUnavailable
	}
}
