// Package refresh implements the background refresh job: a 24h cadence
// reconciliation of the identity registry's Things and certificates
// against the cloud's view, pruning orphans.
package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/network"
	"github.com/cuemby/cda/pkg/verify"
)

const defaultInterval = 24 * time.Hour

// Job is BackgroundRefresh: it owns its own ticker and run-guard so that
// overlapping triggers within the same window are dropped rather than
// queued.
type Job struct {
	registry *identity.Registry
	cloud    cloudauth.Client
	pool     *cloudauth.Pool
	pipeline *verify.Pipeline
	net      *network.Provider

	interval time.Duration
	pageSize int

	running atomic.Bool

	lastMu  sync.Mutex
	lastRun time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJob builds a Job with the default 24h interval. net may be nil, in which
// case the network-up gate is skipped (tests).
func NewJob(registry *identity.Registry, cloud cloudauth.Client, pool *cloudauth.Pool, pipeline *verify.Pipeline, net *network.Provider) *Job {
	return &Job{
		registry: registry,
		cloud:    cloud,
		pool:     pool,
		pipeline: pipeline,
		net:      net,
		interval: defaultInterval,
		pageSize: 50,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the refresh ticker loop.
func (j *Job) Start() {
	j.wg.Add(1)
	go j.run()
}

// Stop asks the loop to skip its next tick and exit.
func (j *Job) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Job) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// RunOnce executes a single refresh cycle. It is a no-op when one is already
// running, when the previous run started less than the interval ago ("if
// two refresh calls arrive within the same 24h window, only the first
// runs"), or when the network is down.
func (j *Job) RunOnce(ctx context.Context) {
	if j.net != nil && j.net.State() != network.StateUp {
		metrics.RefreshSkippedTotal.Inc()
		return
	}

	if !j.running.CompareAndSwap(false, true) {
		metrics.RefreshSkippedTotal.Inc()
		return
	}
	defer j.running.Store(false)

	// The window check carries a minute of slack: a tick fires a hair under
	// the interval after the previous run began, and must not be skipped.
	now := time.Now()
	j.lastMu.Lock()
	if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.interval-time.Minute {
		j.lastMu.Unlock()
		metrics.RefreshSkippedTotal.Inc()
		return
	}
	j.lastRun = now
	j.lastMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefreshDuration)
	metrics.RefreshRunsTotal.Inc()

	cloudThings, err := j.listAllCloudThings(ctx)
	if err != nil {
		log.WithComponent("refresh").Error().Err(err).Msg("failed to list cloud-attached things, rescheduling without state change")
		return
	}

	cloudSet := make(map[string]struct{}, len(cloudThings))
	for _, name := range cloudThings {
		cloudSet[name] = struct{}{}
	}

	j.pruneOrphanedThings(cloudSet)
	j.reverifyThingAttachments(ctx, cloudSet)
	j.refreshCertificateStatuses(ctx)
}

func (j *Job) listAllCloudThings(ctx context.Context) ([]string, error) {
	var all []string
	pageToken := ""
	for {
		var things []string
		var next string
		err := j.pool.Submit(ctx, "list_things_attached_to_core", func(ctx context.Context) error {
			var err error
			things, next, err = j.cloud.ListThingsAttachedToCore(ctx, j.pageSize, pageToken)
			return err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, things...)
		if next == "" {
			break
		}
		pageToken = next
	}
	return all, nil
}

// pruneOrphanedThings deletes Things the cloud no longer lists: a locally
// registered Thing absent from the cloud's list is deleted, and any
// certificate it held is dropped too if no other Thing still references it.
func (j *Job) pruneOrphanedThings(cloudSet map[string]struct{}) {
	locals := j.registry.AllThings()

	for _, th := range locals {
		if _, present := cloudSet[th.ThingName]; present {
			continue
		}

		certIDs := make([]string, 0, len(th.Certificates))
		for id := range th.Certificates {
			certIDs = append(certIDs, id)
		}

		if err := j.registry.DeleteThing(th.ThingName); err != nil {
			log.WithThingName(th.ThingName).Error().Err(err).Msg("failed to delete orphaned thing")
			continue
		}
		metrics.RefreshOrphansPrunedTotal.WithLabelValues("thing").Inc()

		for _, certID := range certIDs {
			if j.certificateStillReferenced(certID) {
				continue
			}
			if err := j.registry.DeleteCertificate(certID); err != nil {
				log.WithCertificateID(certID).Error().Err(err).Msg("failed to delete orphaned certificate")
				continue
			}
			metrics.RefreshOrphansPrunedTotal.WithLabelValues("certificate").Inc()
		}
	}
}

func (j *Job) certificateStillReferenced(certID string) bool {
	for _, th := range j.registry.AllThings() {
		if _, ok := th.Certificates[certID]; ok {
			return true
		}
	}
	return false
}

// reverifyThingAttachments re-checks surviving attachments: for
// Things still present in the cloud, re-verify each attached certificate
// and detach it if the cloud no longer confirms the attachment.
func (j *Job) reverifyThingAttachments(ctx context.Context, cloudSet map[string]struct{}) {
	for _, th := range j.registry.AllThings() {
		if _, present := cloudSet[th.ThingName]; !present {
			continue
		}
		for certID := range th.Certificates {
			if j.pipeline.VerifyThingAttachedToCertificate(ctx, th.ThingName, certID) {
				continue
			}
			if err := j.registry.Detach(th.ThingName, certID); err != nil {
				log.WithThingName(th.ThingName).Error().Err(err).Msg("failed to detach unconfirmed certificate")
			}
		}
	}
}

// refreshCertificateStatuses re-verifies every
// registered certificate so its status timestamp advances even when the
// status itself is unchanged. Goes through the pipeline's cache-bypassing
// path, since the interactive verify would short-circuit on cached trust and
// never touch the timestamp.
func (j *Job) refreshCertificateStatuses(ctx context.Context) {
	for _, rec := range j.registry.AllCertificates() {
		pem, err := j.registry.PEM(rec.CertificateID)
		if err != nil || len(pem) == 0 {
			continue
		}
		j.pipeline.RefreshCertificateStatus(ctx, pem)
	}
}
