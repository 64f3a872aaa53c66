package helper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-tryon-backend/internal/bus"
	"github.com/tbourn/go-tryon-backend/internal/imaging"
)

// Endpoint name and message types served by the helper.
const (
	EndpointName   = "offscreen"
	MsgFetchAsset  = "fetchAsset"
	MsgResizeImage = "resizeImage"
)

// FetchAssetRequest asks the helper to resolve an image reference.
type FetchAssetRequest struct {
	Ref string `json:"ref"`
}

// FetchAssetResponse carries the fetched bytes (base64 on the wire).
type FetchAssetResponse struct {
	Data []byte `json:"data"`
}

// ResizeImageRequest asks the helper to fit an image within bounds.
type ResizeImageRequest struct {
	Data      []byte `json:"data"`
	MaxWidth  int    `json:"maxWidth"`
	MaxHeight int    `json:"maxHeight"`
}

// ResizeImageResponse is the JPEG result and its dimensions.
type ResizeImageResponse struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Offscreen is the helper context. Provision opens it on the bus; Close
// tears it down, after which callers see it as unreachable.
type Offscreen struct {
	Bus     *bus.Bus
	Fetcher *imaging.Fetcher
	Quality int
	// MaxPixels caps the declared size of images to resize; 0 selects
	// imaging.DefaultMaxPixels.
	MaxPixels int64
	Log       zerolog.Logger

	mu sync.Mutex
	ep *bus.Endpoint
}

// Provision opens the helper endpoint. A second call while it is open fails
// with bus.ErrEndpointExists.
func (o *Offscreen) Provision(ctx context.Context) error {
	ep, err := o.Bus.Open(EndpointName, o.Handlers())
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.ep = ep
	o.mu.Unlock()
	o.Log.Info().Str("endpoint", EndpointName).Msg("helper endpoint opened")
	return nil
}

// Close closes the helper endpoint if this Offscreen opened it.
func (o *Offscreen) Close() {
	o.mu.Lock()
	ep := o.ep
	o.ep = nil
	o.mu.Unlock()
	if ep != nil {
		ep.Close()
		o.Log.Info().Str("endpoint", EndpointName).Msg("helper endpoint closed")
	}
}

// Handlers returns the helper's message handlers.
func (o *Offscreen) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		MsgFetchAsset:  o.fetchAsset,
		MsgResizeImage: o.resizeImage,
	}
}

func (o *Offscreen) fetchAsset(ctx context.Context, env *bus.Envelope) (any, error) {
	var req FetchAssetRequest
	if err := env.ParsePayload(&req); err != nil || req.Ref == "" {
		return nil, badRequest("fetchAsset: ref is required")
	}
	data, err := o.Fetcher.Fetch(ctx, req.Ref)
	if err != nil {
		o.Log.Warn().Err(err).Msg("fetchAsset failed")
		return nil, err
	}
	return FetchAssetResponse{Data: data}, nil
}

func (o *Offscreen) resizeImage(_ context.Context, env *bus.Envelope) (any, error) {
	var req ResizeImageRequest
	if err := env.ParsePayload(&req); err != nil || len(req.Data) == 0 {
		return nil, badRequest("resizeImage: data is required")
	}
	out, err := imaging.Resize(req.Data, req.MaxWidth, req.MaxHeight, o.Quality, o.MaxPixels)
	if err != nil {
		if errors.Is(err, imaging.ErrBounds) || errors.Is(err, imaging.ErrTooManyPixels) {
			return nil, badRequest(err.Error())
		}
		return nil, err
	}
	w, h, err := imaging.Dimensions(out)
	if err != nil {
		return nil, fmt.Errorf("resizeImage: %w", err)
	}
	return ResizeImageResponse{Data: out, Width: w, Height: h}, nil
}

func badRequest(msg string) error {
	return &bus.ResponseError{Kind: bus.KindBadRequest, Message: msg}
}
