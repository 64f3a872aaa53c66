package services

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/tbourn/go-tryon-backend/internal/imaging"
)

// UploadService normalizes user-supplied profile images.
type UploadService struct {
	Assets AssetNormalizer
	// MaxDim bounds both sides of an upload; 0 means 512.
	MaxDim int
}

// Upload resizes an image given as a data URL and returns it as a JPEG
// data URL.
func (s *UploadService) Upload(ctx context.Context, dataURL string) (string, error) {
	ctx, span := otel.Tracer("services/UploadService").Start(ctx, "Upload")
	defer span.End()

	if !strings.HasPrefix(strings.TrimSpace(dataURL), "data:") {
		return "", invalid("%w: image must be a data URL", ErrInvalidRequest)
	}
	_, data, err := imaging.DecodeDataURL(strings.TrimSpace(dataURL))
	if err != nil {
		return "", invalid("%w: %v", ErrInvalidRequest, err)
	}
	dim := s.MaxDim
	if dim <= 0 {
		dim = 512
	}
	out, err := s.Assets.Resize(ctx, data, dim, dim)
	if err != nil {
		span.RecordError(err)
		return "", sagaErr(KindAsset, fmt.Errorf("resize upload: %w", err))
	}
	return imaging.EncodeDataURL("image/jpeg", out), nil
}
