// Package locator finds the newest published volume for a radar site.
package locator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/storage"
)

// VolumeSuffix marks a complete volume; other objects (e.g. _MDM metadata) are ignored.
const VolumeSuffix = "_V06"

const keyTimeLayout = "20060102_150405"

// VolumeID is the object key of a volume, e.g. 2024/05/01/KMOB/KMOB20240501_123456_V06.
// Identifiers compare by equality for change detection.
type VolumeID string

// Site returns the four-letter site code of the base name.
func (id VolumeID) Site() string {
	base := path.Base(string(id))
	if len(base) < 4 {
		return ""
	}
	return base[:4]
}

// Time parses the acquisition time embedded after the site code.
func (id VolumeID) Time() (time.Time, error) {
	base := path.Base(string(id))
	if len(base) < 4+len(keyTimeLayout) {
		return time.Time{}, fmt.Errorf("volume id %q too short", id)
	}
	return time.ParseInLocation(keyTimeLayout, base[4:4+len(keyTimeLayout)], time.UTC)
}

func (id VolumeID) String() string {
	return string(id)
}

// DayPrefix is the listing prefix of a site's volumes for one UTC day.
func DayPrefix(site string, day time.Time) string {
	day = day.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s/", day.Year(), int(day.Month()), day.Day(), strings.ToUpper(site))
}

// Locator lists a bucket through a storage client.
type Locator struct {
	client       storage.Client
	bucket       string
	lookbackDays int
	clock        clockwork.Clock
	logger       *zap.Logger
}

// New returns a Locator. lookbackDays is how many earlier UTC days LatestNow searches
// when the current day has no volume yet (just after 00Z).
func New(client storage.Client, bucket string, lookbackDays int, clock clockwork.Clock, logger *zap.Logger) *Locator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookbackDays < 0 {
		lookbackDays = 0
	}
	return &Locator{client: client, bucket: bucket, lookbackDays: lookbackDays, clock: clock, logger: logger}
}

// Latest returns the newest volume of site on the given UTC day. No candidates is an
// error wrapping models.ErrNoDataAvailable; a listing failure wraps
// models.ErrTransportFailure.
func (l *Locator) Latest(ctx context.Context, site string, day time.Time) (VolumeID, error) {
	prefix := DayPrefix(site, day)
	objs, err := l.client.ListObjects(ctx, l.bucket, prefix)
	if err != nil {
		if errors.Is(err, models.ErrTransportFailure) {
			return "", err
		}
		return "", fmt.Errorf("%w: list %s: %w", models.ErrTransportFailure, prefix, err)
	}

	var (
		best     storage.Object
		bestTime time.Time
		found    bool
	)
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, VolumeSuffix) {
			continue
		}
		ts, err := VolumeID(o.Key).Time()
		if err != nil {
			l.logger.Debug("skipping unparseable volume key", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		if !found || ts.After(bestTime) || (ts.Equal(bestTime) && o.LastModified.After(best.LastModified)) {
			best, bestTime, found = o, ts, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no volumes under %s", models.ErrNoDataAvailable, prefix)
	}
	return VolumeID(best.Key), nil
}

// LatestNow searches today (UTC) and then up to lookbackDays earlier days.
func (l *Locator) LatestNow(ctx context.Context, site string) (VolumeID, error) {
	day := l.clock.Now().UTC()
	var lastErr error
	for i := 0; i <= l.lookbackDays; i++ {
		id, err := l.Latest(ctx, site, day.AddDate(0, 0, -i))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, models.ErrNoDataAvailable) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}
