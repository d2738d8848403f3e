// Package extractor defines the contract of the external face embedding
// extractor and the policy deciding which detected face represents an image.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/imagecodec"
)

var (
	// ErrTimeout is returned when the extractor did not answer in time.
	ErrTimeout = errors.New("extractor: timeout")
	// ErrUnavailable is returned when the extractor could not be reached or failed.
	ErrUnavailable = errors.New("extractor: unavailable")
	// ErrInvalidImage is returned when the extractor rejected the image itself.
	ErrInvalidImage = errors.New("extractor: invalid image")
	// ErrMultipleFaces is returned by policies that refuse multi-face images.
	ErrMultipleFaces = errors.New("extractor: multiple faces detected")
)

// Extractor locates faces in an image and returns one signature per face,
// in detection order. An image without faces yields an empty slice.
type Extractor interface {
	Extract(ctx context.Context, img *imagecodec.Image) ([]biometric.SignatureVector, error)
}

// FacePolicy picks the signature that represents an image out of the faces
// detected in it.
type FacePolicy string

const (
	// FirstDetectedFace uses the first face the extractor reports.
	FirstDetectedFace FacePolicy = "first_detected_face"
	// ExactlyOneFace rejects images with more than one face.
	ExactlyOneFace FacePolicy = "exactly_one_face"
)

// ParseFacePolicy validates a configured policy name.
func ParseFacePolicy(name string) (FacePolicy, error) {
	switch p := FacePolicy(name); p {
	case FirstDetectedFace, ExactlyOneFace:
		return p, nil
	case "":
		return FirstDetectedFace, nil
	default:
		return "", fmt.Errorf("unknown face policy %q", name)
	}
}

// Select applies the policy. ok is false when no face was detected.
func (p FacePolicy) Select(faces []biometric.SignatureVector) (sig biometric.SignatureVector, ok bool, err error) {
	if len(faces) == 0 {
		return nil, false, nil
	}
	if p == ExactlyOneFace && len(faces) > 1 {
		return nil, false, fmt.Errorf("%w: %d faces", ErrMultipleFaces, len(faces))
	}
	return faces[0], true, nil
}
