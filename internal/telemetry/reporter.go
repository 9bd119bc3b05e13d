// Package telemetry periodically samples the pipeline counters, logs a
// performance line, keeps the sample history in the database, and forwards
// the sample to any configured publishers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gluk-w/swaplive/internal/database"
	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/stats"
)

// historyKeep bounds the persisted sample rows.
const historyKeep = 2880

// Report is the payload published every interval.
type Report struct {
	RunID         string         `json:"run_id"`
	At            time.Time      `json:"at"`
	Stats         stats.Snapshot `json:"stats"`
	SessionActive bool           `json:"session_active"`
	EngineLoaded  bool           `json:"models_loaded"`
	TunnelPhase   string         `json:"tunnel_phase"`
	PublicAddress string         `json:"public_address,omitempty"`
}

// SourceFunc fills in everything except RunID and At.
type SourceFunc func() Report

type Reporter struct {
	runID      string
	interval   time.Duration
	source     SourceFunc
	publishers []Publisher
	cron       *cron.Cron
	log        *logrus.Entry

	nowFunc func() time.Time
}

func NewReporter(runID string, interval time.Duration, source SourceFunc, publishers ...Publisher) *Reporter {
	return &Reporter{
		runID:      runID,
		interval:   interval,
		source:     source,
		publishers: publishers,
		log:        logging.For("telemetry"),
		nowFunc:    time.Now,
	}
}

// Start schedules Report every interval.
func (r *Reporter) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.Report() }); err != nil {
		return fmt.Errorf("schedule stats report: %w", err)
	}
	r.cron = c
	c.Start()
	r.log.WithField("interval", r.interval.String()).Info("Stats reporter started")
	return nil
}

// Stop cancels the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Report takes one sample and fans it out. Failures are logged, not returned.
func (r *Reporter) Report() Report {
	rep := r.source()
	rep.RunID = r.runID
	rep.At = r.nowFunc()
	s := rep.Stats

	r.log.WithFields(logrus.Fields{
		"frames":   s.FramesReceived,
		"admitted": s.FramesAdmitted,
		"swaps":    s.FramesSucceeded,
		"errors":   s.Errors,
		"avg_ms":   fmt.Sprintf("%.1f", s.AvgProcessingMs),
		"fps":      fmt.Sprintf("%.1f", s.InstantaneousFPS),
		"active":   rep.SessionActive,
		"tunnel":   rep.TunnelPhase,
	}).Info("Performance")

	sample := &database.StatsSample{
		RunID:           r.runID,
		FramesReceived:  s.FramesReceived,
		FramesAdmitted:  s.FramesAdmitted,
		FramesSucceeded: s.FramesSucceeded,
		FramesNoSubject: s.FramesNoSubject,
		Errors:          s.Errors,
		AvgProcessingMs: s.AvgProcessingMs,
		FPS:             s.InstantaneousFPS,
		SessionActive:   rep.SessionActive,
		SampledAt:       rep.At,
	}
	if err := database.RecordStatsSample(sample); err != nil {
		r.log.WithError(err).Warn("Failed to persist stats sample")
	} else if _, err := database.PruneStatsSamples(historyKeep); err != nil {
		r.log.WithError(err).Warn("Failed to prune stats samples")
	}

	if len(r.publishers) > 0 {
		payload, err := json.Marshal(rep)
		if err != nil {
			r.log.WithError(err).Error("Failed to encode report")
			return rep
		}
		for _, p := range r.publishers {
			if err := p.Publish(payload); err != nil {
				r.log.WithError(err).Debug("Report publish failed")
			}
		}
	}
	return rep
}
