package manager

import (
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Collector periodically samples cluster state into Prometheus gauges.
type Collector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector for the given manager
func NewCollector(m *Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		manager:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	tenants, err := c.manager.ListTenants()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to list tenants")
		return
	}

	metrics.SessionsTotal.Reset()

	totalApps := 0
	for _, tenant := range tenants {
		sessions, err := c.manager.ListSessions(tenant)
		if err != nil {
			log.WithComponent("metrics").Warn().Err(err).Str("tenant", tenant).Msg("failed to list sessions")
			continue
		}

		counts := make(map[types.SessionStatus]int)
		for _, session := range sessions {
			counts[session.Status]++
		}
		for status, count := range counts {
			metrics.SessionsTotal.WithLabelValues(tenant, string(status)).Set(float64(count))
		}

		apps, err := c.manager.ListApplications(tenant)
		if err != nil {
			log.WithComponent("metrics").Warn().Err(err).Str("tenant", tenant).Msg("failed to list applications")
			continue
		}
		totalApps += len(apps)
	}
	metrics.ApplicationsTotal.Set(float64(totalApps))

	if generation, err := c.manager.Generation(); err == nil {
		metrics.SuperModelGeneration.Set(float64(generation))
	}

	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	if stats := c.manager.GetRaftStats(); stats != nil {
		if idx, ok := stats["last_log_index"].(uint64); ok {
			metrics.RaftLogIndex.Set(float64(idx))
		}
		if idx, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(idx))
		}
	}
}
