// Package gemini adapts the Gemini generateContent API to the try-on
// generation backend: two JPEG images and a prompt in, one image out.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/tbourn/go-tryon-backend/internal/config"
)

// DefaultModel is an image-capable Gemini model.
const DefaultModel = "gemini-2.5-flash-image-preview"

var (
	// ErrNoImage is returned when a successful response carries no image part.
	ErrNoImage = errors.New("gemini: response contains no image")
	// ErrNoAPIKey is returned when the client has no API key configured.
	ErrNoAPIKey = errors.New("gemini: API key is not configured")
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gemini: HTTP %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini: HTTP %d", e.Code)
}

// Client calls generateContent through the genai SDK.
type Client struct {
	Model string

	models *genai.Models
}

// New builds a client from configuration. With no API key the client is
// still returned, and every Generate call fails with ErrNoAPIKey, so the
// service can start without credentials.
func New(ctx context.Context, cfg config.GeminiConfig) (*Client, error) {
	c := &Client{Model: cfg.Model}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if cfg.APIKey == "" {
		return c, nil
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c.models = gc.Models
	return c, nil
}

func generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:        genai.Ptr[float32](0.4),
		TopK:               genai.Ptr[float32](32),
		TopP:               genai.Ptr[float32](1),
		MaxOutputTokens:    4096,
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
	}
}

// Generate sends the garment and person images (JPEG) with prompt and returns
// the first image in the response. Non-2xx answers are *StatusError; other
// failures are wrapped.
func (c *Client) Generate(ctx context.Context, garment, person []byte, prompt string) ([]byte, error) {
	ctx, span := otel.Tracer("gemini").Start(ctx, "Generate",
		trace.WithAttributes(
			attribute.String("gemini.model", c.Model),
			attribute.Int("gemini.garment_bytes", len(garment)),
			attribute.Int("gemini.person_bytes", len(person)),
		))
	defer span.End()

	if c.models == nil {
		return nil, ErrNoAPIKey
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: garment}},
			{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: person}},
		},
	}}

	resp, err := c.models.GenerateContent(ctx, c.Model, contents, generationConfig())
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			span.SetAttributes(attribute.Int("http.status_code", apiErr.Code))
			return nil, &StatusError{Code: apiErr.Code, Status: apiErr.Status, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		return nil, fmt.Errorf("gemini: prompt blocked: %s", pf.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData.Data, nil
			}
		}
	}
	return nil, ErrNoImage
}
