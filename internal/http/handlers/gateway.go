// Gateway HTTP handlers.
//
// This file exposes the try-on endpoints under the API base path:
//   - POST   /tryons    (generate one try-on image)
//   - GET    /tryons    (history, paginated)
//   - GET    /usage     (today's generation counter)
//   - POST   /profile   (create or update a profile)
//   - POST   /uploads   (normalize an uploaded image)
//
// No handler touches a store or the generation backend directly. Each one
// sends a typed request to the background endpoint over the message bus and
// maps the reply (or its failure kind) onto HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tryon-backend/internal/background"
	"github.com/tbourn/go-tryon-backend/internal/domain"
	"github.com/tbourn/go-tryon-backend/internal/http/middleware"
	"github.com/tbourn/go-tryon-backend/internal/quota"
	"github.com/tbourn/go-tryon-backend/internal/services"
	"github.com/tbourn/go-tryon-backend/internal/utils"
)

// EndpointName is the bus identity the gateway sends from.
const EndpointName = "gateway"

// Requester sends a request over the message bus and decodes the reply.
type Requester interface {
	Request(ctx context.Context, from, to, msgType string, payload, out any) error
}

// Handlers groups the gateway endpoints.
type Handlers struct {
	bus    Requester
	target string
	// Timeout bounds how long a handler waits for a reply; 0 waits for the
	// request context only. The saga itself keeps running.
	Timeout time.Duration
}

// New returns Handlers forwarding to the background endpoint over b.
func New(b Requester, timeout time.Duration) *Handlers {
	return &Handlers{bus: b, target: background.EndpointName, Timeout: timeout}
}

// TryOnRequest is the body of POST /tryons. UserID is only read when the
// X-User-ID header is absent.
type TryOnRequest struct {
	UserID string `json:"user_id" example:"user123"`
	// ClothingImageURL is an http(s) or data URL of the garment image.
	ClothingImageURL string `json:"clothing_image_url" example:"https://shop.example.com/img/dress.jpg"`
	// PersonImageURL falls back to the stored profile image when empty.
	PersonImageURL string `json:"person_image_url" example:"data:image/jpeg;base64,/9j/4AAQ..."`
	WebsiteURL     string `json:"website_url" example:"https://shop.example.com/p/123"`
}

// HistoryResponse is a page of past try-ons, newest first.
type HistoryResponse struct {
	TryOns  []domain.TryOn `json:"tryons"`
	Page    utils.Page     `json:"pagination"`
	Total   int            `json:"total"`
	HasNext bool           `json:"has_next"`
}

func (h *Handlers) request(c *gin.Context, msgType string, payload, out any) error {
	ctx := c.Request.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	return h.bus.Request(ctx, EndpointName, h.target, msgType, payload, out)
}

func (h *Handlers) failRequest(c *gin.Context, err error) {
	status, code := statusFor(err)
	fail(c, status, code, err.Error())
}

// bind decodes the JSON body, answering 413 for oversized bodies and 400
// for anything unparsable.
func bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
		return false
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
	return false
}

// identity prefers the header identity over the one in the body.
func identity(c *gin.Context, fromBody string) string {
	if uid := middleware.UserFrom(c); uid != "" {
		return uid
	}
	return strings.TrimSpace(fromBody)
}

// requireIdentity answers 400 when the caller sent no X-User-ID.
func requireIdentity(c *gin.Context) (string, bool) {
	uid := middleware.UserFrom(c)
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing "+middleware.HeaderUserID+" header")
		return "", false
	}
	return uid, true
}

// CreateTryOn godoc
// @ID          createTryOn
// @Summary     Generate a try-on image
// @Description Runs one generation saga for the caller: quota, asset preparation, generation and record. Answers with the stored result.
// @Tags        TryOns
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID; overrides user_id in the body"  example(user123)
// @Param       body       body    handlers.TryOnRequest  true  "Try-on payload"
//
// @Success     201  {object}  services.TryOnResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON body"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     422  {object}  handlers.ErrorResponse  "Invalid request or unusable image"
// @Failure     429  {object}  handlers.ErrorResponse  "Daily limit exceeded"
// @Failure     502  {object}  handlers.ErrorResponse  "Generation backend failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Background endpoint unavailable"
// @Failure     504  {object}  handlers.ErrorResponse  "Timed out waiting for the reply"
// @Router      /tryons [post]
func (h *Handlers) CreateTryOn(c *gin.Context) {
	var req TryOnRequest
	if !bind(c, &req) {
		return
	}
	var res services.TryOnResult
	err := h.request(c, background.MsgGenerateTryOn, services.TryOnRequest{
		UserID:           identity(c, req.UserID),
		ClothingImageURL: req.ClothingImageURL,
		PersonImageURL:   req.PersonImageURL,
		WebsiteURL:       req.WebsiteURL,
	}, &res)
	if err != nil {
		h.failRequest(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}

// ListTryOns godoc
// @ID          listTryOns
// @Summary     List past try-ons (paginated)
// @Description Returns the caller's try-on history, newest first.
// @Tags        TryOns
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "User ID"         example(user123)
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(50) default(20)
//
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing X-User-ID"
// @Failure     503  {object}  handlers.ErrorResponse  "Background endpoint unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tryons [get]
func (h *Handlers) ListTryOns(c *gin.Context) {
	uid, found := requireIdentity(c)
	if !found {
		return
	}
	var all []domain.TryOn
	if err := h.request(c, background.MsgGetHistory, background.UserRequest{UserID: uid}, &all); err != nil {
		h.failRequest(c, err)
		return
	}
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"), 20, 50)
	lo, hi := p.Bounds(len(all))
	ok(c, http.StatusOK, HistoryResponse{
		TryOns:  all[lo:hi],
		Page:    p,
		Total:   len(all),
		HasNext: p.HasNext(len(all)),
	})
}

// GetUsage godoc
// @ID          getUsage
// @Summary     Today's usage
// @Description Reports how many generations the caller has used today against the daily limit.
// @Tags        Usage
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
//
// @Success     200  {object}  quota.Usage
// @Failure     400  {object}  handlers.ErrorResponse  "Missing X-User-ID"
// @Failure     503  {object}  handlers.ErrorResponse  "Background endpoint unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /usage [get]
func (h *Handlers) GetUsage(c *gin.Context) {
	uid, found := requireIdentity(c)
	if !found {
		return
	}
	var u quota.Usage
	if err := h.request(c, background.MsgGetUsage, background.UserRequest{UserID: uid}, &u); err != nil {
		h.failRequest(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// SaveProfile godoc
// @ID          saveProfile
// @Summary     Create or update a profile
// @Description Without an id in the body the caller's identity is used. Answers 201 on create and 200 on update.
// @Tags        Profiles
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID"  example(user123)
// @Param       body       body    services.ProfileRequest  true  "Profile payload"
//
// @Success     200  {object}  services.ProfileResult
// @Success     201  {object}  services.ProfileResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON body"
// @Failure     422  {object}  handlers.ErrorResponse  "Invalid profile"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile [post]
func (h *Handlers) SaveProfile(c *gin.Context) {
	var req services.ProfileRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = middleware.UserFrom(c)
	}
	var res services.ProfileResult
	if err := h.request(c, background.MsgSaveProfile, req, &res); err != nil {
		h.failRequest(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	ok(c, status, res)
}

// UploadImage godoc
// @ID          uploadImage
// @Summary     Normalize an uploaded image
// @Description Decodes a data URL image, bounds its size and returns it re-encoded as a JPEG data URL.
// @Tags        Uploads
// @Accept      json
// @Produce     json
//
// @Param       body  body  background.UploadRequest  true  "Image payload"
//
// @Success     201  {object}  background.UploadResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON body"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     422  {object}  handlers.ErrorResponse  "Unusable image"
// @Failure     503  {object}  handlers.ErrorResponse  "Background endpoint unavailable"
// @Router      /uploads [post]
func (h *Handlers) UploadImage(c *gin.Context) {
	var req background.UploadRequest
	if !bind(c, &req) {
		return
	}
	var res background.UploadResponse
	if err := h.request(c, background.MsgUploadImage, req, &res); err != nil {
		h.failRequest(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}
