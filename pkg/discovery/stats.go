package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netwatch/cdpcrawl/pkg/util"
)

// Stats tracks crawl progress and periodically logs a summary line so a
// long-running crawl isn't silent. The processed/discovered counters are
// lock-free; the currently-processing set and the periodic report's
// timestamp share a mutex since both are read-modify-write against shared
// state, not simple counters.
type Stats struct {
	seedsProcessed int64
	devices        int64

	reportInterval time.Duration
	mu             sync.Mutex
	lastReport     time.Time
	start          time.Time
	processing     map[string]struct{}
}

// NewStats returns a Stats reporter that logs a progress line no more
// often than once per interval.
func NewStats(interval time.Duration) *Stats {
	now := time.Now()
	return &Stats{reportInterval: interval, lastReport: now, start: now, processing: make(map[string]struct{})}
}

// Processing adds hostname to the currently-processing set, mirroring a
// QueueEntry's mark_processing transition.
func (s *Stats) Processing(hostname string) {
	s.mu.Lock()
	s.processing[hostname] = struct{}{}
	s.mu.Unlock()
}

// Finished removes hostname from the currently-processing set, mirroring a
// QueueEntry's mark_processed transition.
func (s *Stats) Finished(hostname string) {
	s.mu.Lock()
	delete(s.processing, hostname)
	s.mu.Unlock()
}

// CurrentlyProcessing returns the hosts presently between mark_processing
// and mark_processed.
func (s *Stats) CurrentlyProcessing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, 0, len(s.processing))
	for h := range s.processing {
		hosts = append(hosts, h)
	}
	return hosts
}

// SeedProcessed records that one queue entry finished (success or
// failure) and, if the report interval has elapsed, logs a summary.
func (s *Stats) SeedProcessed() {
	atomic.AddInt64(&s.seedsProcessed, 1)
	s.maybeReport()
}

// DeviceDiscovered records that one device was successfully identified and
// saved.
func (s *Stats) DeviceDiscovered() {
	atomic.AddInt64(&s.devices, 1)
}

// Snapshot returns the current counters without triggering a log line.
func (s *Stats) Snapshot() (seedsProcessed, devices int64, elapsed time.Duration) {
	return atomic.LoadInt64(&s.seedsProcessed), atomic.LoadInt64(&s.devices), time.Since(s.start)
}

// Rate returns devices_processed per minute since start. It is 0 before any
// time has elapsed, since a zero-duration rate is undefined rather than
// infinite.
func (s *Stats) Rate() float64 {
	elapsedMinutes := time.Since(s.start).Minutes()
	if elapsedMinutes <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.seedsProcessed)) / elapsedMinutes
}

func (s *Stats) maybeReport() {
	s.mu.Lock()
	due := time.Since(s.lastReport) >= s.reportInterval
	if due {
		s.lastReport = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return
	}

	seeds, devices, elapsed := s.Snapshot()
	util.WithFields(map[string]interface{}{
		"seeds_processed":      seeds,
		"devices":              devices,
		"elapsed":              elapsed.Round(time.Second).String(),
		"processing_rate":      s.Rate(),
		"currently_processing": s.CurrentlyProcessing(),
	}).Info("crawl progress")
}
