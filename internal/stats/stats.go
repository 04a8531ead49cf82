// Package stats is the streaming counter and latency engine shared by every
// role. Counters live in per-shard atomic cells to keep hot increments off
// shared cache lines; latencies flow through a bounded channel into
// shard-owned HDR histograms so that delivery-path handlers never take a
// lock. Snapshots merge the shards read-only and write one CSV line each.
package stats

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"
)

// Histogram bounds: 1 µs to 60 s at three significant digits, wide enough for
// any broker round-trip the harness measures.
const (
	histMin     = int64(time.Microsecond)
	histMax     = int64(60 * time.Second)
	histSigFigs = 3
)

// latChanCapacity bounds the handler-to-aggregator queue. Overflow drops the
// stats update, never the message.
const latChanCapacity = 65536

type shard struct {
	sent   atomic.Uint64
	recv   atomic.Uint64
	errors atomic.Uint64
	_      [40]byte // keep neighbouring shards off this cache line

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// Stats aggregates one role's counters and latency distribution. All methods
// are safe for concurrent use. Counters are monotonically non-decreasing and
// the histogram is append-only for the lifetime of the role.
type Stats struct {
	shards []shard
	epoch  time.Time

	latCh      chan int64
	statsDrops atomic.Uint64
	dropWarn   *rate.Limiter
	logger     zerolog.Logger

	aggWG   sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New creates a stats engine with one shard per CPU.
func New(logger zerolog.Logger) *Stats {
	return NewSharded(runtime.GOMAXPROCS(0), logger)
}

// NewSharded creates a stats engine with an explicit shard count.
func NewSharded(shards int, logger zerolog.Logger) *Stats {
	if shards < 1 {
		shards = 1
	}
	s := &Stats{
		shards:   make([]shard, shards),
		epoch:    time.Now(),
		latCh:    make(chan int64, latChanCapacity),
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:   logger,
	}
	for i := range s.shards {
		s.shards[i].hist = hdrhistogram.New(histMin, histMax, histSigFigs)
	}
	for i := range s.shards {
		s.aggWG.Add(1)
		go s.aggregate(&s.shards[i])
	}
	return s
}

// aggregate drains the latency channel into one shard's histogram. Each shard
// has a dedicated aggregator so histogram writes never contend with each
// other; the per-shard mutex only synchronizes against snapshot merges.
func (s *Stats) aggregate(sh *shard) {
	defer s.aggWG.Done()
	for v := range s.latCh {
		if v < histMin {
			v = histMin
		}
		if v > histMax {
			v = histMax
		}
		sh.mu.Lock()
		// Clamped above, so this cannot fail; a failure here would mean the
		// histogram bounds themselves are broken.
		if err := sh.hist.RecordValue(v); err != nil {
			sh.mu.Unlock()
			s.logger.Error().Err(err).Int64("value_ns", v).Msg("histogram record failed")
			continue
		}
		sh.mu.Unlock()
	}
}

// Handle is a shard-pinned writer. Each logical client takes one handle so
// its increments land on a stable cell.
type Handle struct {
	sh    *shard
	stats *Stats
}

// Handle returns the writer pinned to shard i (mod shard count).
func (s *Stats) Handle(i int) *Handle {
	return &Handle{sh: &s.shards[i%len(s.shards)], stats: s}
}

func (h *Handle) IncSent()   { h.sh.sent.Add(1) }
func (h *Handle) IncRecv()   { h.sh.recv.Add(1) }
func (h *Handle) IncErrors() { h.sh.errors.Add(1) }

// RecordLatency enqueues one end-to-end latency sample in nanoseconds. The
// send never blocks: when the aggregators are behind, the sample is dropped
// and counted, keeping the delivery path fast under overload.
func (h *Handle) RecordLatency(ns int64) {
	select {
	case h.stats.latCh <- ns:
	default:
		h.stats.statsDrops.Add(1)
		if h.stats.dropWarn.Allow() {
			h.stats.logger.Warn().
				Uint64("stats_drops", h.stats.statsDrops.Load()).
				Msg("stats channel full, dropping latency samples")
		}
	}
}

// Epoch is the wall-clock anchor for total-rate computations.
func (s *Stats) Epoch() time.Time { return s.epoch }

// StatsDrops reports how many latency samples were dropped on overflow.
func (s *Stats) StatsDrops() uint64 { return s.statsDrops.Load() }

func (s *Stats) totalSent() uint64 {
	var n uint64
	for i := range s.shards {
		n += s.shards[i].sent.Load()
	}
	return n
}

func (s *Stats) totalRecv() uint64 {
	var n uint64
	for i := range s.shards {
		n += s.shards[i].recv.Load()
	}
	return n
}

func (s *Stats) totalErrors() uint64 {
	var n uint64
	for i := range s.shards {
		n += s.shards[i].errors.Load()
	}
	return n
}

// mergedHistogram folds every shard into a fresh histogram. Shard locks are
// held one at a time and only for the copy, so writers stall at most briefly.
func (s *Stats) mergedHistogram() *hdrhistogram.Histogram {
	merged := hdrhistogram.New(histMin, histMax, histSigFigs)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		merged.Merge(sh.hist)
		sh.mu.Unlock()
	}
	return merged
}

// Close stops the aggregators after draining queued samples. Further
// RecordLatency calls would panic, so roles call Close only after every
// producer has stopped.
func (s *Stats) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.latCh)
	s.aggWG.Wait()
}
