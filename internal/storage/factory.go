// Package storage builds the configured ports.ArtifactStore.
package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"renderq/internal/adapters/storage/gdrive"
	"renderq/internal/adapters/storage/localfs"
	"renderq/internal/adapters/storage/s3"
	"renderq/internal/config"
	"renderq/internal/ports"
)

// NewStore returns the artifact store selected by cfg.Provider.
func NewStore(ctx context.Context, cfg config.StorageConfig) (ports.ArtifactStore, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage: STORAGE_LOCAL_ROOT is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "s3":
		return newS3Store(ctx, cfg)

	case "gdrive":
		return newGDriveStore(ctx, cfg)

	default:
		return nil, fmt.Errorf("storage: unknown provider: %s", cfg.Provider)
	}
}

func newS3Store(ctx context.Context, cfg config.StorageConfig) (ports.ArtifactStore, error) {
	if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("storage: S3_ENDPOINT and S3_BUCKET are required for s3")
	}
	st, err := s3.New(s3.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureBucket(ctx, cfg.S3Region); err != nil {
		return nil, err
	}
	return st, nil
}

func newGDriveStore(ctx context.Context, cfg config.StorageConfig) (ports.ArtifactStore, error) {
	for k, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("storage: %s is required for gdrive", k)
		}
	}

	conf := &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	// The token source refreshes on demand, so it must outlive ctx.
	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(context.Background(), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("storage: drive client: %w", err)
	}
	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
