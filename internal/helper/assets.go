package helper

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-tryon-backend/internal/bus"
)

// Assets is the caller-side client of the helper. Each call ensures the
// helper exists and round-trips over the bus; a request that finds the
// helper gone invalidates the manager and is retried once.
type Assets struct {
	Bus     *bus.Bus
	Manager *Manager
	// From is the caller's endpoint name, recorded on envelopes.
	From string
}

// Fetch resolves ref into bytes via the helper.
func (a *Assets) Fetch(ctx context.Context, ref string) ([]byte, error) {
	var out FetchAssetResponse
	if err := a.call(ctx, MsgFetchAsset, FetchAssetRequest{Ref: ref}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Resize fits data within maxW×maxH via the helper and returns JPEG bytes.
func (a *Assets) Resize(ctx context.Context, data []byte, maxW, maxH int) ([]byte, error) {
	var out ResizeImageResponse
	req := ResizeImageRequest{Data: data, MaxWidth: maxW, MaxHeight: maxH}
	if err := a.call(ctx, MsgResizeImage, req, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (a *Assets) call(ctx context.Context, msgType string, payload, out any) error {
	for attempt := 0; ; attempt++ {
		if err := a.Manager.Ensure(ctx); err != nil {
			return fmt.Errorf("helper: ensure: %w", err)
		}
		err := a.Bus.Request(ctx, a.From, EndpointName, msgType, payload, out)
		if errors.Is(err, bus.ErrUnreachable) && attempt == 0 {
			a.Manager.Invalidate()
			continue
		}
		return err
	}
}
