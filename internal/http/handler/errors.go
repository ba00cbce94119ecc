package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/goster/internal/app/service"
	"go.uber.org/zap"
)

// writeError maps service errors onto HTTP responses. Anything unrecognised
// is logged and reported as a bare 500.
func writeError(c *fiber.Ctx, logger *zap.Logger, err error, notFoundMsg string) error {
	var rangeErr *service.RangeNotSatisfiableError

	switch {
	case errors.Is(err, service.ErrNotFound):
		return fail(c, fiber.StatusNotFound, notFoundMsg)
	case errors.Is(err, service.ErrConflict):
		return fail(c, fiber.StatusConflict, "Recording already uploaded for this link")
	case errors.Is(err, service.ErrPayloadTooLarge):
		return fail(c, fiber.StatusRequestEntityTooLarge, "File too large")
	case errors.Is(err, service.ErrInvalidContent):
		return fail(c, fiber.StatusBadRequest, "Invalid video file")
	case errors.As(err, &rangeErr):
		c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(rangeErr.Total, 10))
		return fail(c, fiber.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable")
	default:
		logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return fail(c, fiber.StatusInternalServerError, "Internal server error")
	}
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

// ErrorHandler renders errors that escape handlers, such as fiber's own
// body-limit and routing errors, in the API's JSON shape.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			msg := fe.Message
			if fe.Code == fiber.StatusRequestEntityTooLarge {
				msg = "File too large"
			}
			return fail(c, fe.Code, msg)
		}
		logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "Internal server error")
	}
}
