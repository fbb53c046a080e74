package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/locator"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
	"github.com/kjstillabower/radar-overlay-service/internal/storage"
	"github.com/kjstillabower/radar-overlay-service/internal/volume"
)

// VolumeLoader downloads a volume object and decodes it. It is shared by the
// synchronous service and the stream coordinator.
type VolumeLoader struct {
	client  storage.Client
	bucket  string
	decoder volume.Decoder
	logger  *zap.Logger
}

// NewVolumeLoader returns a loader reading from bucket. A nil decoder selects the
// Archive II decoder.
func NewVolumeLoader(client storage.Client, bucket string, decoder volume.Decoder, logger *zap.Logger) *VolumeLoader {
	if decoder == nil {
		decoder = volume.NewArchive2Decoder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VolumeLoader{client: client, bucket: bucket, decoder: decoder, logger: logger}
}

// Load downloads id, inflates it when gzip-compressed and decodes it.
func (l *VolumeLoader) Load(ctx context.Context, id locator.VolumeID) (*volume.Volume, error) {
	start := time.Now()
	data, err := l.client.Download(ctx, l.bucket, id.String())
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	observability.ObserveStage("download", start)

	start = time.Now()
	raw, err := volume.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", id, err)
	}
	vol, err := l.decoder.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", id, err)
	}
	observability.ObserveStage("decode", start)

	l.logger.Debug("volume decoded",
		zap.String("volume_id", id.String()),
		zap.Int("bytes", len(data)),
		zap.Int("sweeps", vol.SweepCount()),
		zap.Duration("duration", time.Since(start)))
	return vol, nil
}
