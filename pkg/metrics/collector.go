package metrics

import (
	"strconv"
	"time"

	"github.com/medqa/conductor/pkg/storage"
	"github.com/medqa/conductor/pkg/types"
)

// Collector refreshes the case and GPU gauges from the state store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

var caseStatuses = []types.CaseStatus{
	types.CaseStatusNew,
	types.CaseStatusQueued,
	types.CaseStatusProcessing,
	types.CaseStatusUploading,
	types.CaseStatusExecuting,
	types.CaseStatusDownloading,
	types.CaseStatusCompleted,
	types.CaseStatusFailed,
	types.CaseStatusPendingResource,
}

func (c *Collector) collect() {
	for _, status := range caseStatuses {
		cases, err := c.store.ListCasesByStatus(status)
		if err != nil {
			return
		}
		CasesTotal.WithLabelValues(string(status)).Set(float64(len(cases)))
	}

	gpus, err := c.store.ListGPUs()
	if err != nil {
		return
	}
	byStatus := make(map[types.GPUStatus]int)
	for _, gpu := range gpus {
		byStatus[gpu.Status]++
		GPUUtilization.WithLabelValues(strconv.Itoa(gpu.GPUID)).Set(gpu.UtilizationPct)
	}
	for _, status := range []types.GPUStatus{
		types.GPUStatusAvailable, types.GPUStatusReserved,
		types.GPUStatusError, types.GPUStatusMaintenance,
	} {
		GPUsTotal.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
}
