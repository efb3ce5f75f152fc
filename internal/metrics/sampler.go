package metrics

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Sampler periodically reads host CPU and memory utilization via gopsutil
// and updates the corresponding gauges.
type Sampler struct {
	metrics *Metrics
	cron    gocron.Scheduler
	logger  *zap.Logger
}

// NewSampler creates a Sampler updating m every interval.
func NewSampler(m *Metrics, interval time.Duration, logger *zap.Logger) (*Sampler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("metrics: create sampler scheduler: %w", err)
	}

	s := &Sampler{
		metrics: m,
		cron:    cron,
		logger:  logger.Named("metrics_sampler"),
	}

	if _, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sample),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("metrics: schedule sampler: %w", err)
	}
	return s, nil
}

// Start begins sampling in the background.
func (s *Sampler) Start() {
	s.cron.Start()
}

// Stop shuts the sampler down.
func (s *Sampler) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("metrics sampler shutdown", zap.Error(err))
	}
}

func (s *Sampler) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.metrics.CPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.metrics.MemPercent.Set(vm.UsedPercent)
	}
}
