// Package media provides the image codec for captured inspection photos.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	apperrors "github.com/urbanforestry/treesync/internal/errors"
)

const (
	// DefaultMaxWidth bounds the longest encoded width.
	DefaultMaxWidth = 1024
	// DefaultQuality is the JPEG quality used for re-encoding (0-100).
	DefaultQuality = 80
)

// Codec converts raw captured images to a compact, storable encoding.
// Images are downscaled to maxWidth (preserving aspect ratio), re-encoded
// as quality-lossy JPEG and returned base64-encoded without a data-URI
// prefix; the prefix is added and stripped only at the boundary.
type Codec struct {
	maxWidth int
	quality  int
}

// NewCodec creates a Codec with the given dimension and quality policy.
func NewCodec(maxWidth, quality int) *Codec {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Codec{maxWidth: maxWidth, quality: quality}
}

// Compress decodes raw image bytes, scales them so that width <= maxWidth
// (height scaled proportionally; unchanged when already small enough),
// re-encodes as JPEG and returns the base64 encoding.
//
// An undecodable input is a validation error, not a sync failure: the
// caller must not retry it.
func (c *Codec) Compress(raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "failed to decode image", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > c.maxWidth {
		// Height 0 keeps the aspect ratio.
		img = imaging.Resize(img, c.maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode image", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode converts a stored base64 encoding back to JPEG bytes.
func (c *Codec) Decode(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(StripDataURI(encoded))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid base64 image data", err)
	}
	return data, nil
}

// Dimensions reports the decoded width and height of raw image bytes.
func Dimensions(raw []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrValidation, "failed to decode image", err)
	}
	return cfg.Width, cfg.Height, nil
}

// AsDataURI adds the JPEG data-URI prefix for UI consumption.
func AsDataURI(encoded string) string {
	return fmt.Sprintf("data:image/jpeg;base64,%s", encoded)
}

// StripDataURI removes a data-URI prefix if present.
func StripDataURI(s string) string {
	if idx := strings.Index(s, ","); idx >= 0 && strings.HasPrefix(s, "data:") {
		return s[idx+1:]
	}
	return s
}

// IsRemoteURL reports whether an images entry is already an uploaded URL
// rather than an embedded base64 blob.
func IsRemoteURL(entry string) bool {
	return strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://")
}
