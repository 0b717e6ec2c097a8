package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store writes objects under a destination.
type Store interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
	Close() error
}

// Publisher uploads run outputs to a Destination.
type Publisher struct {
	dest   Destination
	store  Store
	logger *zap.Logger
}

// Open builds the Store for dest.
func Open(ctx context.Context, dest Destination, logger *zap.Logger) (*Publisher, error) {
	var (
		store Store
		err   error
	)
	switch dest.Scheme {
	case SchemeS3:
		store, err = NewS3Store(ctx, S3Config{
			Bucket:         dest.Bucket,
			Region:         dest.Region,
			Endpoint:       dest.Endpoint,
			Profile:        dest.Profile,
			ForcePathStyle: dest.ForcePathStyle,
			IMDSRegion:     dest.IMDSRegion,
		})
	case SchemeFile:
		store, err = NewFileStore(dest.Prefix)
	default:
		err = fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, dest.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return NewPublisher(dest, store, logger), nil
}

// NewPublisher wraps an existing Store.
func NewPublisher(dest Destination, store Store, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{dest: dest, store: store, logger: logger}
}

// PublishFile uploads localPath as <prefix>/<runName>/<base name> and
// returns its location.
func (p *Publisher) PublishFile(ctx context.Context, localPath, runName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := p.dest.Key(runName, filepath.Base(localPath))
	if err := p.store.PutObject(ctx, key, f, info.Size()); err != nil {
		return "", err
	}
	loc := p.dest.Location(key)
	p.logger.Info("Published dataset", zap.String("location", loc), zap.Int64("bytes", info.Size()))
	return loc, nil
}

// Close releases the store.
func (p *Publisher) Close() error {
	return p.store.Close()
}
