// Package imagecodec turns self-describing encoded images (data URLs as sent
// by browser capture) into decoded pixel grids.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrMalformed is returned when the data URL itself cannot be parsed.
	ErrMalformed = errors.New("imagecodec: malformed encoded image")
	// ErrUnsupportedMedia is returned when the payload is not a decodable image.
	ErrUnsupportedMedia = errors.New("imagecodec: unsupported media type")
)

// Image is a decoded still image together with its original encoding.
type Image struct {
	// MediaType is the sniffed media type of Data, e.g. "image/png".
	MediaType string
	Data      []byte
	Pixels    image.Image
}

// Bounds returns the pixel dimensions of the image.
func (i *Image) Bounds() image.Rectangle {
	if i == nil || i.Pixels == nil {
		return image.Rectangle{}
	}
	return i.Pixels.Bounds()
}

// Decoder turns an encoded image into an Image.
type Decoder interface {
	Decode(encoded string) (*Image, error)
}

// DataURLDecoder decodes "data:<media-type>;base64,<payload>" strings.
type DataURLDecoder struct{}

// Decode parses the data URL header, base64-decodes the payload and decodes
// the pixel grid. The declared media type must be an image type; the actual
// format is sniffed from the payload.
func (DataURLDecoder) Decode(encoded string) (*Image, error) {
	header, payload, ok := strings.Cut(strings.TrimSpace(encoded), ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing header separator", ErrMalformed)
	}
	declared, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	sniffed := mimetype.Detect(data)
	if !strings.HasPrefix(sniffed.String(), "image/") {
		return nil, fmt.Errorf("%w: declared %s, payload is %s", ErrUnsupportedMedia, declared, sniffed.String())
	}

	pixels, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}

	return &Image{MediaType: sniffed.String(), Data: data, Pixels: pixels}, nil
}

func parseHeader(header string) (string, error) {
	rest, ok := strings.CutPrefix(header, "data:")
	if !ok {
		return "", fmt.Errorf("%w: missing data: prefix", ErrMalformed)
	}
	mediaType, params, _ := strings.Cut(rest, ";")
	if !strings.EqualFold(params, "base64") {
		return "", fmt.Errorf("%w: only base64 payloads are supported", ErrMalformed)
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMedia, mediaType)
	}
	return mediaType, nil
}

// EncodeDataURL builds a data URL for data with the given media type.
func EncodeDataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
