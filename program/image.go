package program

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referralhub/blob"
	"referralhub/identity"
	"referralhub/models"
)

// ImageService swaps program imagery through archival-capable blob storage.
// The prior image is archived rather than deleted because previously issued
// emails and links may still reference it.
type ImageService struct {
	db     *gorm.DB
	blobs  blob.Store
	logger *slog.Logger
}

// NewImageService builds an image service.
func NewImageService(db *gorm.DB, blobs blob.Store, logger *slog.Logger) (*ImageService, error) {
	if db == nil {
		return nil, fmt.Errorf("program: db is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("program: blob store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageService{db: db, blobs: blobs, logger: logger}, nil
}

// UpdateImage uploads the new image, swaps the program's reference, and
// archives the previous object. On any failure after the upload the new blob
// is deleted so storage is never orphaned.
func (s *ImageService) UpdateImage(ctx context.Context, programID uuid.UUID, filename string, content io.Reader, actor identity.User) (string, error) {
	if !actor.Admin {
		return "", models.Unauthorizedf("updating program images requires an administrator")
	}

	var prog models.Program
	if err := s.db.WithContext(ctx).Select("id", "image_object_key").First(&prog, "id = ?", programID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", models.NotFound("program", programID.String())
		}
		return "", fmt.Errorf("program: load image key: %w", err)
	}
	previousKey := prog.ImageObjectKey

	newKey, err := s.blobs.Create(ctx, filename, content)
	if err != nil {
		return "", fmt.Errorf("program: upload image: %w", err)
	}

	swap := s.db.WithContext(ctx).Model(&models.Program{}).
		Where("id = ?", programID).
		Update("image_object_key", newKey)
	if swap.Error != nil {
		if cleanupErr := s.blobs.Delete(ctx, newKey); cleanupErr != nil {
			s.logger.Error("failed to clean up orphaned image", slog.String("key", newKey), slog.String("error", cleanupErr.Error()))
		}
		return "", fmt.Errorf("program: swap image reference: %w", swap.Error)
	}
	if swap.RowsAffected == 0 {
		if cleanupErr := s.blobs.Delete(ctx, newKey); cleanupErr != nil {
			s.logger.Error("failed to clean up orphaned image", slog.String("key", newKey), slog.String("error", cleanupErr.Error()))
		}
		return "", models.NotFound("program", programID.String())
	}

	if previousKey != "" {
		if err := s.blobs.Archive(ctx, previousKey); err != nil {
			// The swap already committed; losing the archive is logged, not
			// propagated, so the caller does not retry the whole update.
			s.logger.Error("failed to archive previous image", slog.String("key", previousKey), slog.String("error", err.Error()))
		}
	}
	return newKey, nil
}
