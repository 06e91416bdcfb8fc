package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/jittakal/kafeventbuffer/pkg/storage"
)

// Ensure implementations satisfy interfaces.
var (
	_ storage.Router         = (*DefaultRouter)(nil)
	_ storage.RotationPolicy = (*CompositePolicy)(nil)
)

// DefaultRouter implements Hive-style partitioning for storage paths.
type DefaultRouter struct {
	protocol string
	bucket   string
	basePath string
	version  string
}

// NewRouter creates a new storage router.
func NewRouter(protocol, bucket, basePath, version string) *DefaultRouter {
	return &DefaultRouter{
		protocol: protocol,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		version:  version,
	}
}

// Route returns the storage path for a partition at the given timestamp.
// Format: protocol://bucket/basePath/topic/version/dt=YYYY-MM-DD/pid=N/
// The date comes from the event time. A non-empty specVersion replaces the
// default version segment: "1.0" -> "v10", "1.1" -> "v11".
func (r *DefaultRouter) Route(partitionID event.PartitionID, timestamp int64, specVersion string) string {
	date := time.Unix(timestamp, 0).UTC().Format("2006-01-02")

	version := r.version
	if v := strings.ReplaceAll(specVersion, ".", ""); v != "" {
		version = "v" + v
	}

	prefix := r.bucket
	if r.basePath != "" {
		prefix += "/" + r.basePath
	}

	return fmt.Sprintf("%s://%s/%s/%s/dt=%s/pid=%d/",
		r.protocol,
		prefix,
		partitionID.Topic,
		version,
		date,
		partitionID.Partition,
	)
}

// Strategy values for PolicyConfig.
const (
	StrategyAny = "any"
	StrategyAll = "all"
)

// PolicyConfig configures when a batch is closed. Zero limits are
// disabled.
type PolicyConfig struct {
	MaxBytes   int64
	MaxRecords int
	MaxAge     time.Duration
	Strategy   string
}

// CompositePolicy closes a batch when any (or, with StrategyAll, every)
// enabled limit is reached.
type CompositePolicy struct {
	maxBytes   int64
	maxRecords int
	maxAge     time.Duration
	all        bool
	now        func() time.Time
}

// NewCompositePolicy creates a new composite rotation policy.
func NewCompositePolicy(config PolicyConfig) *CompositePolicy {
	return &CompositePolicy{
		maxBytes:   config.MaxBytes,
		maxRecords: config.MaxRecords,
		maxAge:     config.MaxAge,
		all:        config.Strategy == StrategyAll,
		now:        time.Now,
	}
}

// MaxAge returns the age limit, zero when disabled.
func (p *CompositePolicy) MaxAge() time.Duration {
	return p.maxAge
}

// ShouldRotate reports whether a batch with the given stats is complete.
func (p *CompositePolicy) ShouldRotate(stats event.FileStats) bool {
	if stats.RecordCount == 0 {
		return false
	}

	var checks []bool
	if p.maxBytes > 0 {
		checks = append(checks, stats.SizeBytes >= p.maxBytes)
	}
	if p.maxRecords > 0 {
		checks = append(checks, stats.RecordCount >= p.maxRecords)
	}
	if p.maxAge > 0 && !stats.FirstWriteTime.IsZero() {
		checks = append(checks, p.now().Sub(stats.FirstWriteTime) >= p.maxAge)
	}
	if len(checks) == 0 {
		return false
	}

	for _, ok := range checks {
		if ok && !p.all {
			return true
		}
		if !ok && p.all {
			return false
		}
	}
	return p.all
}
