package blobstore

import (
	"fmt"
	"net/http"

	"github.com/sifan077/goster/config"
	"go.uber.org/zap"
)

// New builds the configured backend wrapped in WithTimeout. Missing Telegram
// credentials are not fatal: the service runs on local storage alone.
func New(cfg config.BlobConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var store Store
	switch cfg.Backend {
	case "telegram", "":
		tg := NewTelegram(cfg.Telegram, &http.Client{}, logger.Named("telegram"))
		if !tg.Configured() {
			logger.Warn("telegram credentials not set, recordings will be stored locally")
			return Unavailable("telegram bot token or channel id not set"), nil
		}
		store = tg
	case "minio":
		m, err := NewMinIO(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		store = m
	case "none":
		return Unavailable("remote blob store disabled"), nil
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", cfg.Backend)
	}

	return WithTimeout(store, cfg.Timeout, logger), nil
}
