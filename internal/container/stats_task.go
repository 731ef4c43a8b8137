package container

import (
	"context"
	"sync"
	"time"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// StatsTasks owns the per-container stats collection tasks (spec.md §4.6:
// "Stats task: per container, every 10s sample docker stats ... Task is
// cancelled on stop/remove").
type StatsTasks struct {
	engine   *Engine
	ts       *timeseries.Store
	log      *logging.Logger
	m        *metrics.Metrics
	interval time.Duration

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // keyed by machineID+"/"+containerID
}

// NewStatsTasks creates a StatsTasks manager sampling every interval.
func NewStatsTasks(engine *Engine, ts *timeseries.Store, log *logging.Logger, m *metrics.Metrics, interval time.Duration) *StatsTasks {
	return &StatsTasks{engine: engine, ts: ts, log: log, m: m, interval: interval, cancel: map[string]context.CancelFunc{}}
}

func taskKey(machineID, containerID string) string { return machineID + "/" + containerID }

// Start begins (or restarts) the stats task for a container.
func (s *StatsTasks) Start(ctx context.Context, machineID string, creds executor.Credentials, containerID string) {
	key := taskKey(machineID, containerID)
	s.mu.Lock()
	if cancel, ok := s.cancel[key]; ok {
		cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancel[key] = cancel
	s.mu.Unlock()

	go s.run(taskCtx, machineID, creds, containerID)
}

// Cancel stops the stats task for a container, e.g. on stop/remove.
func (s *StatsTasks) Cancel(machineID, containerID string) {
	key := taskKey(machineID, containerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancel[key]; ok {
		cancel()
		delete(s.cancel, key)
	}
}

func (s *StatsTasks) run(ctx context.Context, machineID string, creds executor.Credentials, containerID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := s.engine.Stats(ctx, machineID, creds, containerID)
		if err != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{
				"machine_id": machineID, "container_id": containerID,
			}).Warn("container stats: sample failed")
			continue
		}
		s.record(ctx, machineID, containerID, stats)
	}
}

func (s *StatsTasks) record(ctx context.Context, machineID, containerID string, stats Stats) {
	if s.ts == nil {
		return
	}
	now := time.Now().UTC()
	labels := map[string]string{"machine_id": machineID, "container_id": containerID}
	samples := map[string]float64{
		"container.cpu":        stats.CPUPercent,
		"container.mem":        float64(stats.MemoryUsage),
		"container.net.rx":     float64(stats.NetworkRxBytes),
		"container.net.tx":     float64(stats.NetworkTxBytes),
		"container.blk.read":   float64(stats.BlockReadBytes),
		"container.blk.write":  float64(stats.BlockWriteBytes),
		"container.pids":       float64(stats.PIDs),
	}
	for name, value := range samples {
		if err := s.ts.Record(ctx, name, timeseries.Point{Timestamp: now, Value: value, Labels: labels}); err != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{"container_id": containerID, "metric": name}).Warn("container stats: failed to record metric")
		}
	}
	if s.m != nil {
		s.m.ContainerCPU.WithLabelValues(machineID, containerID).Set(stats.CPUPercent)
		s.m.ContainerMemory.WithLabelValues(machineID, containerID).Set(float64(stats.MemoryUsage))
	}
}
