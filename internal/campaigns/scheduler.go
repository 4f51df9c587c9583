package campaigns

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig contains campaign scheduler configuration.
type SchedulerConfig struct {
	PollInterval time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 1 * time.Minute,
	}
}

// Scheduler is the lightweight poll loop that dispatches scheduled campaigns
// once their time has passed.
type Scheduler struct {
	config     SchedulerConfig
	repo       Repository
	dispatcher *Dispatcher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a campaign scheduler.
func NewScheduler(config SchedulerConfig, repo Repository, dispatcher *Dispatcher) *Scheduler {
	return &Scheduler{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting campaign scheduler", "poll_interval", s.config.PollInterval)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop waits for the current pass to finish and stops the loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("campaign scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due scheduled campaign. A campaign that fails to
// dispatch is logged and skipped; SendCampaign's status guard keeps a
// half-dispatched campaign from being fanned out twice on the next pass.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.repo.FindDue(ctx, time.Now())
	if err != nil {
		slog.Error("failed to find due campaigns", "error", err)
		return
	}

	for _, campaign := range due {
		if err := s.dispatcher.SendCampaign(ctx, campaign.ID); err != nil {
			slog.Error("failed to dispatch scheduled campaign",
				"campaign_id", campaign.ID,
				"error", err,
			)
			continue
		}
		slog.Info("scheduled campaign dispatched", "campaign_id", campaign.ID)
	}
}
