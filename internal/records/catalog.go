package records

import (
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/logging"
	"pwnlink/agent/internal/metrics"
	"pwnlink/agent/internal/model"
)

const recordsKey = "records"

// Catalog lists correlated records for the local directory. Results are
// cached for ttl and dropped by Invalidate after every sync pass.
type Catalog struct {
	store       *localfs.Store
	cache       *ttlcache.Cache[string, []model.CorrelatedRecord]
	maxAccuracy float64
	logger      *zap.Logger
}

func NewCatalog(store *localfs.Store, ttl time.Duration, maxAccuracy float64, logger *zap.Logger) *Catalog {
	c := &Catalog{
		store:       store,
		maxAccuracy: maxAccuracy,
		logger:      logging.OrNop(logger),
	}
	if ttl > 0 {
		c.cache = ttlcache.New[string, []model.CorrelatedRecord](
			ttlcache.WithTTL[string, []model.CorrelatedRecord](ttl),
			ttlcache.WithDisableTouchOnHit[string, []model.CorrelatedRecord](),
		)
	}
	return c
}

func (c *Catalog) Records() ([]model.CorrelatedRecord, error) {
	if c.cache != nil {
		if item := c.cache.Get(recordsKey); item != nil {
			return slices.Clone(item.Value()), nil
		}
	}

	files, err := c.LocalFiles()
	if err != nil {
		return nil, err
	}
	records := Correlate(files)
	for i := range records {
		records[i].Position = c.position(records[i])
	}
	metrics.SetLocalRecords(len(records))
	c.logger.Debug("records correlated", zap.Int("files", len(files)), zap.Int("records", len(records)))

	if c.cache != nil {
		c.cache.Set(recordsKey, records, ttlcache.DefaultTTL)
	}
	return slices.Clone(records), nil
}

// LocalFiles classifies every file in the local directory. Both dates are the
// on-disk modification time, which a sync pass sets to the remote one.
func (c *Catalog) LocalFiles() ([]model.LocalFile, error) {
	entries, err := c.store.List()
	if err != nil {
		return nil, err
	}
	files := make([]model.LocalFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, NewLocalFile(e.Name, uint64(e.Size), e.ModTime, e.ModTime))
	}
	return files, nil
}

func (c *Catalog) Invalidate() {
	if c.cache != nil {
		c.cache.Delete(recordsKey)
	}
}

// position prefers the GPS fix over the geolocated one.
func (c *Catalog) position(record model.CorrelatedRecord) *model.PositionFix {
	for _, candidate := range []*model.LocalFile{record.PositionGps, record.PositionGeo} {
		if candidate == nil {
			continue
		}
		data, err := c.store.ReadFile(candidate.Filename)
		if err != nil {
			c.logger.Warn("read position file failed", zap.String("file", candidate.Filename), zap.Error(err))
			continue
		}
		fix, err := ParsePosition(data, candidate.Kind, c.maxAccuracy)
		if err != nil {
			c.logger.Debug("position file unreadable", zap.String("file", candidate.Filename), zap.Error(err))
			continue
		}
		if fix != nil {
			return fix
		}
	}
	return nil
}
