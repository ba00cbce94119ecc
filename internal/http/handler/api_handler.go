package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/service"
	"go.uber.org/zap"
)

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
}

// APIHandler implements the link management endpoints.
type APIHandler struct {
	logger      *zap.Logger
	linkService service.LinkService
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:      logger,
		linkService: deps.LinkService,
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	links := router.Group("/links")
	{
		links.Post("/", h.CreateLink)
		links.Get("/", h.ListLinks)
	}
	router.Get("/upload-status/:code", h.UploadStatus)
	router.Get("/upload/:code", h.UploadStatus)
}

// CreateLinkResponse represents the response for creating a link.
type CreateLinkResponse struct {
	Success   bool       `json:"success"`
	ShortCode string     `json:"shortCode"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// LinkItem is one entry of the link listing.
type LinkItem struct {
	ID                  string     `json:"id"`
	ShortCode           string     `json:"shortCode"`
	CreatedAt           time.Time  `json:"createdAt"`
	ExpiresAt           *time.Time `json:"expiresAt"`
	IsRecordingComplete bool       `json:"isRecordingComplete"`
	ViewCount           int64      `json:"viewCount"`
	URL                 string     `json:"url"`
	IsExpired           bool       `json:"isExpired"`
	Status              string     `json:"status"`
}

// ListLinksResponse represents the response for listing links.
type ListLinksResponse struct {
	Success bool       `json:"success"`
	Links   []LinkItem `json:"links"`
}

// CreateLink handles POST /links
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	ctx := requestContext(c)

	link, err := h.linkService.CreateLink(ctx)
	if err != nil {
		h.logger.Error("failed to create link", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Failed to create link")
	}

	h.logger.Info("link created", zap.String("code", link.Code))
	return c.Status(fiber.StatusCreated).JSON(CreateLinkResponse{
		Success:   true,
		ShortCode: link.Code,
		URL:       h.linkService.ShareURL(link.Code),
		ExpiresAt: link.ExpiresAt,
	})
}

// ListLinks handles GET /links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	ctx := requestContext(c)

	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	links, err := h.linkService.ListLinks(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Failed to list links")
	}

	items := make([]LinkItem, 0, len(links))
	for i := range links {
		items = append(items, h.toItem(&links[i]))
	}

	return c.JSON(ListLinksResponse{Success: true, Links: items})
}

// UploadStatus handles GET /upload-status/:code and GET /upload/:code
func (h *APIHandler) UploadStatus(c *fiber.Ctx) error {
	ctx := requestContext(c)

	complete, err := h.linkService.UploadStatus(ctx, c.Params("code"))
	if err != nil {
		return writeError(c, h.logger, err, "Link not found")
	}

	return c.JSON(fiber.Map{
		"success":             true,
		"isRecordingComplete": complete,
	})
}

func (h *APIHandler) toItem(link *model.Link) LinkItem {
	return LinkItem{
		ID:                  link.Code,
		ShortCode:           link.Code,
		CreatedAt:           link.CreatedAt,
		ExpiresAt:           link.ExpiresAt,
		IsRecordingComplete: link.IsRecordingComplete,
		ViewCount:           link.ViewCount,
		URL:                 h.linkService.ShareURL(link.Code),
		IsExpired:           h.linkService.IsExpired(link),
		Status:              link.Status(),
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
