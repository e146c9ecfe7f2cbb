package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Source writes a consistent copy of a database to dest.
// store.SQLiteStore implements it.
type Source interface {
	Backup(ctx context.Context, dest string) error
}

// Result describes one backup.
type Result struct {
	Path      string    `json:"path"`
	ObjectKey string    `json:"object_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Service writes timestamped backups into a directory and uploads them.
type Service struct {
	source   Source
	uploader Uploader
	dir      string
	now      func() time.Time
}

// NewService creates a backup service. A nil uploader keeps backups local.
func NewService(source Source, uploader Uploader, dir string) *Service {
	if uploader == nil {
		uploader = NoopUploader{}
	}
	return &Service{source: source, uploader: uploader, dir: dir, now: time.Now}
}

// Backup writes tether-<timestamp>.db and uploads it. An upload failure is
// returned together with the result, since the local copy is still valid.
func (s *Service) Backup(ctx context.Context) (*Result, error) {
	created := s.now().UTC()
	name := "tether-" + created.Format("20060102T150405Z") + ".db"
	res := &Result{Path: filepath.Join(s.dir, name), CreatedAt: created}

	if err := s.source.Backup(ctx, res.Path); err != nil {
		return nil, fmt.Errorf("backup database: %w", err)
	}
	slog.Info("backup written",
		"component", "snapshot",
		"path", res.Path,
	)

	key, err := s.uploader.Upload(ctx, name, res.Path)
	if err != nil {
		return res, err
	}
	if key != "" {
		res.ObjectKey = key
		slog.Info("backup uploaded",
			"component", "snapshot",
			"key", key,
		)
	}
	return res, nil
}

// DownloadURL returns a pre-signed link to an uploaded backup.
func (s *Service) DownloadURL(ctx context.Context, res *Result, expiry time.Duration) (string, error) {
	if res == nil || res.ObjectKey == "" {
		return "", ErrNotConfigured
	}
	return s.uploader.PresignedURL(ctx, res.ObjectKey, expiry)
}
