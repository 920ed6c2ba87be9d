package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/metrics"
	"github.com/stratumfs/stratumfs/internal/multipart"
	"github.com/stratumfs/stratumfs/internal/object"
)

const pageSize = 1000

// Janitor applies lifecycle rules and garbage-collects stale multipart
// uploads in a single periodic pass. Passes are single-flight: a tick is
// skipped while the previous pass is still running.
type Janitor struct {
	idx       *index.Store
	objects   *object.Service
	uploads   *multipart.Coordinator
	metrics   *metrics.Registry
	interval  time.Duration
	staleAge  time.Duration
	log       *logrus.Entry
	stopChan  chan struct{}
	doneChan  chan struct{}
	runningMu sync.Mutex
}

// NewJanitor builds the janitor. interval defaults to one hour, staleAge
// is the multipart abort threshold.
func NewJanitor(idx *index.Store, objects *object.Service, uploads *multipart.Coordinator, reg *metrics.Registry, interval, staleAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if staleAge <= 0 {
		staleAge = time.Hour
	}
	return &Janitor{
		idx:      idx,
		objects:  objects,
		uploads:  uploads,
		metrics:  reg,
		interval: interval,
		staleAge: staleAge,
		log:      logrus.WithField("component", "lifecycle"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the periodic loop in its own goroutine.
func (j *Janitor) Start() {
	go j.run()
	j.log.WithField("interval", j.interval).Info("Lifecycle janitor started")
}

// Stop signals the loop and waits for it to exit. A pass in flight runs
// to completion.
func (j *Janitor) Stop() {
	close(j.stopChan)
	<-j.doneChan
	j.log.Info("Lifecycle janitor stopped")
}

func (j *Janitor) run() {
	defer close(j.doneChan)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			if !j.runningMu.TryLock() {
				j.log.Debug("Skipping tick, previous pass still running")
				continue
			}
			j.RunPass(context.Background())
			j.runningMu.Unlock()
		}
	}
}

// RunPass executes one full sweep. One rule's failure logs and moves on;
// it never aborts the pass.
func (j *Janitor) RunPass(ctx context.Context) {
	start := time.Now()

	buckets, err := j.idx.ListBuckets(ctx)
	if err != nil {
		j.log.WithError(err).Error("Failed to enumerate buckets")
		return
	}

	expired := 0
	for _, bucket := range buckets {
		expired += j.applyBucket(ctx, bucket.Name)
	}

	aborted, err := j.uploads.AbortStale(ctx, time.Now().Add(-j.staleAge))
	if err != nil {
		j.log.WithError(err).Error("Failed to collect stale multipart uploads")
	}

	if j.metrics != nil {
		j.metrics.JanitorPasses.Inc()
		j.metrics.JanitorDeletes.Add(float64(expired))
	}
	j.log.WithFields(logrus.Fields{
		"buckets":  len(buckets),
		"expired":  expired,
		"aborted":  aborted,
		"duration": time.Since(start),
	}).Info("Lifecycle pass complete")
}

func (j *Janitor) applyBucket(ctx context.Context, bucket string) int {
	blob, err := j.idx.GetBucketConfig(ctx, bucket, index.ConfigLifecycle)
	if errors.Is(err, index.ErrConfigNotFound) {
		return 0
	}
	if err != nil {
		j.log.WithError(err).WithField("bucket", bucket).Error("Failed to load lifecycle configuration")
		return 0
	}

	config, err := ParseConfiguration(blob)
	if err != nil {
		j.log.WithError(err).WithField("bucket", bucket).Error("Stored lifecycle configuration is malformed")
		return 0
	}

	expired := 0
	for _, rule := range config.Rules {
		if rule.Status != "Enabled" {
			continue
		}
		if rule.Expiration != nil {
			expired += j.expireCurrent(ctx, bucket, &rule)
		}
		if rule.NoncurrentVersionExpiration != nil {
			expired += j.expireNoncurrent(ctx, bucket, &rule)
		}
	}
	return expired
}

// expireCurrent deletes current versions older than the rule's age
// through orchestrator semantics, so versioned buckets gain delete
// markers rather than losing rows.
func (j *Janitor) expireCurrent(ctx context.Context, bucket string, rule *Rule) int {
	cutoff := time.Now().AddDate(0, 0, -rule.Expiration.Days)
	deleted := 0

	marker := ""
	for {
		page, err := j.idx.ListObjects(ctx, index.ListObjectsParams{
			Bucket:  bucket,
			Prefix:  rule.Filter.Prefix,
			Marker:  marker,
			MaxKeys: pageSize,
		})
		if err != nil {
			j.log.WithError(err).WithFields(logrus.Fields{
				"bucket": bucket,
				"rule":   rule.ID,
			}).Error("Failed to page objects for expiration")
			return deleted
		}

		for _, obj := range page.Objects {
			if obj.LastModified.After(cutoff) {
				continue
			}
			if !tagMatches(rule.Filter.Tag, obj.Tags) {
				continue
			}
			if _, err := j.objects.DeleteObject(ctx, bucket, obj.Key, "", obj.Owner); err != nil {
				j.log.WithError(err).WithFields(logrus.Fields{
					"bucket": bucket,
					"key":    obj.Key,
					"rule":   rule.ID,
				}).Warn("Failed to expire object")
				continue
			}
			deleted++
		}

		if !page.IsTruncated {
			return deleted
		}
		marker = page.NextMarker
	}
}

// expireNoncurrent removes non-current versions that are older than the
// age threshold or pushed out by the newer-versions retention count. The
// latest version of each key is never touched.
func (j *Janitor) expireNoncurrent(ctx context.Context, bucket string, rule *Rule) int {
	nve := rule.NoncurrentVersionExpiration
	var cutoff time.Time
	if nve.NoncurrentDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -nve.NoncurrentDays)
	}

	byKey, err := j.collectVersions(ctx, bucket, rule.Filter.Prefix)
	if err != nil {
		j.log.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"rule":   rule.ID,
		}).Error("Failed to page versions for expiration")
		return 0
	}

	deleted := 0
	for key, versions := range byKey {
		sort.Slice(versions, func(a, b int) bool {
			return versions[a].LastModified.After(versions[b].LastModified)
		})
		for i, v := range versions {
			if i == 0 {
				continue // latest stays
			}
			noncurrentPos := i - 1
			expireByAge := nve.NoncurrentDays > 0 && v.LastModified.Before(cutoff)
			expireByCount := nve.NewerNoncurrentVersions > 0 && noncurrentPos >= nve.NewerNoncurrentVersions
			if !expireByAge && !expireByCount {
				continue
			}
			if _, err := j.objects.DeleteObject(ctx, bucket, key, v.VersionID, v.Owner); err != nil {
				j.log.WithError(err).WithFields(logrus.Fields{
					"bucket":     bucket,
					"key":        key,
					"version_id": v.VersionID,
					"rule":       rule.ID,
				}).Warn("Failed to expire noncurrent version")
				continue
			}
			deleted++
		}
	}
	return deleted
}

func (j *Janitor) collectVersions(ctx context.Context, bucket, prefix string) (map[string][]*index.ObjectVersion, error) {
	byKey := map[string][]*index.ObjectVersion{}
	keyMarker, versionMarker := "", ""
	for {
		page, err := j.idx.ListVersions(ctx, index.ListObjectsParams{
			Bucket:          bucket,
			Prefix:          prefix,
			Marker:          keyMarker,
			VersionIDMarker: versionMarker,
			MaxKeys:         pageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, v := range page.Versions {
			byKey[v.Key] = append(byKey[v.Key], v)
		}
		if !page.IsTruncated {
			return byKey, nil
		}
		keyMarker, versionMarker = page.NextKeyMarker, page.NextVersionIDMarker
	}
}

func tagMatches(tag *Tag, tags map[string]string) bool {
	if tag == nil {
		return true
	}
	return tags[tag.Key] == tag.Value
}
