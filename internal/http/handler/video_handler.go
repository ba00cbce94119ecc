package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/goster/internal/app/service"
	"github.com/sifan077/goster/internal/http/middleware"
	"go.uber.org/zap"
)

const uploadField = "video"

// ViewPublisher receives one event per started playback.
type ViewPublisher interface {
	Publish(linkCode, ip, userAgent string) error
}

// VideoDeps groups dependencies required by video handlers.
type VideoDeps struct {
	Logger         *zap.Logger
	VideoService   service.VideoService
	MaxUploadBytes int64
	Views          ViewPublisher
}

// VideoHandler implements recording upload and playback.
type VideoHandler struct {
	logger   *zap.Logger
	videos   service.VideoService
	maxBytes int64
	views    ViewPublisher
}

// NewVideoHandler creates a video handler with the provided dependencies.
func NewVideoHandler(deps VideoDeps) *VideoHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoHandler{
		logger:   logger,
		videos:   deps.VideoService,
		maxBytes: deps.MaxUploadBytes,
		views:    deps.Views,
	}
}

// Register wires video routes onto the provided router.
func (h *VideoHandler) Register(router fiber.Router) {
	router.Post("/upload/:code", h.Upload)
	// Head first: fiber's Get also answers HEAD.
	router.Head("/video/:code", h.Head)
	router.Get("/video/:code", h.Stream)
}

// Upload handles POST /upload/:code
func (h *VideoHandler) Upload(c *fiber.Ctx) error {
	code := c.Params("code")

	fh, err := c.FormFile(uploadField)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "No video file provided")
	}

	file, err := fh.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", zap.String("code", code), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Internal server error")
	}
	defer file.Close()

	// Oversized files are still read up to one byte past the limit so the
	// service can report not-found and conflict before the size.
	var src io.Reader = file
	if h.maxBytes > 0 {
		src = io.LimitReader(file, h.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		h.logger.Error("failed to read uploaded file", zap.String("code", code), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Internal server error")
	}

	res, err := h.videos.Upload(requestContext(c), code, data, fh.Header.Get(fiber.HeaderContentType))
	if err != nil {
		return writeError(c, h.logger, err, "Link not found")
	}

	h.logger.Debug("upload accepted",
		zap.String("code", code),
		zap.String("backend", res.Backend),
		zap.Bool("fallback", res.FellBack),
	)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Video uploaded successfully",
	})
}

// Stream handles GET /video/:code
func (h *VideoHandler) Stream(c *fiber.Ctx) error {
	code := c.Params("code")

	video, err := h.videos.Fetch(requestContext(c), code, c.Get(fiber.HeaderRange))
	if err != nil {
		return writeError(c, h.logger, err, "Video not found")
	}

	c.Set(fiber.HeaderContentType, video.ContentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderCacheControl, "private, no-cache")

	status := fiber.StatusOK
	if video.Range != nil {
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, video.Range.ContentRange())
	}

	if h.views != nil && (video.Range == nil || video.Range.Start == 0) {
		h.publishView(utils.CopyString(code), middleware.ClientID(c), c.Get(fiber.HeaderUserAgent))
	}

	// fasthttp closes the body once it has been written.
	return c.Status(status).SendStream(video.Body, int(video.Length()))
}

// Head handles HEAD /video/:code
func (h *VideoHandler) Head(c *fiber.Ctx) error {
	info, err := h.videos.Exists(requestContext(c), c.Params("code"))
	if err != nil {
		return writeError(c, h.logger, err, "Video not found")
	}

	c.Set(fiber.HeaderContentType, info.ContentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Response().Header.SetContentLength(int(info.Size))
	c.Status(fiber.StatusOK)
	return nil
}

func (h *VideoHandler) publishView(code, ip, userAgent string) {
	ip, userAgent = utils.CopyString(ip), utils.CopyString(userAgent)
	go func() {
		if err := h.views.Publish(code, ip, userAgent); err != nil {
			h.logger.Warn("failed to publish view event", zap.String("code", code), zap.Error(err))
		}
	}()
}
