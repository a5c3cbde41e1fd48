package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"ms-fulfillment/internal/download/blob"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/google/uuid"
)

// Authorization failures, in the order the checks run. The first
// failing check wins; callers map these to precise HTTP codes.
var (
	ErrTokenNotFound  = errors.New("download token not found")
	ErrTokenRevoked   = errors.New("download token revoked")
	ErrTokenExpired   = errors.New("download token expired")
	ErrTokenExhausted = errors.New("download limit reached")
	ErrFileNotFound   = errors.New("requested file not found")
)

type EntitlementStore interface {
	GetTokenByValue(ctx context.Context, token string) (*models.DownloadToken, error)
	ConsumeDownload(ctx context.Context, tokenID string, now time.Time) (bool, error)
	InsertDownloadLog(ctx context.Context, entry *models.DownloadLog) error
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

type BlobStore interface {
	ListFiles(ctx context.Context, prefix string) ([]blob.FileInfo, error)
	Fetch(ctx context.Context, prefix, name string) (io.ReadCloser, int64, error)
}

type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Download is one authorized, consumed download ready to stream.
type Download struct {
	FileName  string
	Size      int64
	Content   io.ReadCloser
	Remaining int
}

type Listing struct {
	Files     []blob.FileInfo
	Remaining int
}

// Service is the download authorization guard: it validates a token,
// spends one download through a single conditional update and streams
// the backing file.
type Service struct {
	DB     EntitlementStore
	Blob   BlobStore
	Logger *logger.Logger
}

func NewService(db EntitlementStore, blobStore BlobStore, log *logger.Logger) *Service {
	return &Service{DB: db, Blob: blobStore, Logger: log}
}

// checkToken runs the ordered validity checks shared by download and
// listing: revoked before expired before exhausted.
func checkToken(t *models.DownloadToken, now time.Time) error {
	if !t.IsActive {
		return ErrTokenRevoked
	}
	if !now.Before(t.ExpiresAt) {
		return ErrTokenExpired
	}
	if t.DownloadCount >= t.MaxDownloads {
		return ErrTokenExhausted
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, tokenValue string) (*models.DownloadToken, error) {
	token, err := s.DB.GetTokenByValue(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	return token, nil
}

// Authorize validates the token, consumes one download and returns the
// requested (or first available) file as a stream. The counter
// increment is conditional at write time, so two racing requests on a
// token's last download resolve to one success and one ErrTokenExhausted.
func (s *Service) Authorize(ctx context.Context, tokenValue, fileName string, meta RequestMeta) (*Download, error) {
	now := time.Now()

	token, err := s.lookup(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if err := checkToken(token, now); err != nil {
		return nil, err
	}

	product, err := s.DB.GetProductByID(ctx, token.ProductRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", token.ProductRef, err)
	}

	files, err := s.Blob.ListFiles(ctx, product.BlobPrefix)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files under %s", ErrFileNotFound, product.BlobPrefix)
	}

	chosen := files[0]
	if fileName != "" {
		found := false
		for _, f := range files {
			if f.Name == fileName {
				chosen = f
				found = true
				break
			}
		}
		if !found {
			return nil, ErrFileNotFound
		}
	}

	// Spend the download before streaming. The update re-checks
	// active/expiry/cap, so a concurrent revocation or a racing request
	// that got here first turns this into an exhausted response rather
	// than an over-count.
	consumed, err := s.DB.ConsumeDownload(ctx, token.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume download on token %s: %w", token.ID, err)
	}
	if !consumed {
		return nil, ErrTokenExhausted
	}

	content, size, err := s.Blob.Fetch(ctx, product.BlobPrefix, chosen.Name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = chosen.Size
	}

	entry := &models.DownloadLog{
		ID:              uuid.NewString(),
		DownloadTokenID: token.ID,
		UserRef:         token.UserRef,
		IPAddress:       meta.IPAddress,
		UserAgent:       meta.UserAgent,
		CreatedAt:       now,
	}
	if err := s.DB.InsertDownloadLog(ctx, entry); err != nil {
		// The download already happened; the audit gap is logged, not
		// surfaced to the customer.
		s.Logger.Error("DOWNLOAD", fmt.Sprintf("failed to write download log for token %s: %v", token.ID, err))
	}

	s.Logger.LogDownload(token.ID, fmt.Sprintf("served %s (%d of %d)", chosen.Name, token.DownloadCount+1, token.MaxDownloads))

	return &Download{
		FileName:  chosen.Name,
		Size:      size,
		Content:   content,
		Remaining: token.Remaining() - 1,
	}, nil
}

// ListFiles is the read-only variant: same checks, no counter mutation.
func (s *Service) ListFiles(ctx context.Context, tokenValue string) (*Listing, error) {
	token, err := s.lookup(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if err := checkToken(token, time.Now()); err != nil {
		return nil, err
	}

	product, err := s.DB.GetProductByID(ctx, token.ProductRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", token.ProductRef, err)
	}

	files, err := s.Blob.ListFiles(ctx, product.BlobPrefix)
	if err != nil {
		return nil, err
	}

	return &Listing{Files: files, Remaining: token.Remaining()}, nil
}
