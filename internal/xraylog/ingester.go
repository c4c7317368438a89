// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package xraylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

const (
	// DefaultContainer is the Xray container name.
	DefaultContainer = "remnanode"
	// DefaultLogPath is the access log path inside the container.
	DefaultLogPath = "/var/log/supervisor/xray.out.log"

	// Buffer bounds: lines past either limit are dropped, not queued.
	DefaultMaxBufferLines = 200_000
	DefaultMaxBufferBytes = 100 << 20 // 100 MiB

	// Aggregate bounds enforced by the watchdog.
	maxAggregateBytes   = 256 << 20 // 256 MiB
	maxAggregateEntries = 1_000_000
	staleDrainAge       = 10 * time.Minute
	nearLimitFraction   = 0.9

	batchInterval    = 5 * time.Second
	watchdogInterval = 30 * time.Second
	tailRetryDelay   = 5 * time.Second

	// Rough per-entry overhead for the memory estimate: map bucket,
	// key struct, counter.
	entryOverhead = 64
)

// LineSource produces raw log lines. The production source is a
// docker exec tail through the host executor.
type LineSource interface {
	Tail(ctx context.Context) (<-chan string, error)
}

// DockerTail tails the access log inside the Xray container.
type DockerTail struct {
	Exec      *hostexec.Executor
	Container string
	LogPath   string
}

func (d *DockerTail) Tail(ctx context.Context) (<-chan string, error) {
	container := d.Container
	if container == "" {
		container = DefaultContainer
	}
	logPath := d.LogPath
	if logPath == "" {
		logPath = DefaultLogPath
	}
	return d.Exec.StreamLines(ctx, hostexec.Request{
		Command: fmt.Sprintf("docker exec %s tail -f -n 0 %s", container, logPath),
	})
}

type aggKey struct {
	email    int
	sourceIP string
	host     string
}

// Stat is one aggregated row in a snapshot.
type Stat struct {
	Email    int    `json:"email"`
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
	Count    int64  `json:"count"`
}

// Snapshot is what CollectAndClear hands to the panel.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`
	Stats       []Stat    `json:"stats"`
}

// Status reports ingester counters for the status endpoint.
type Status struct {
	Running        bool  `json:"running"`
	BufferedLines  int   `json:"buffered_lines"`
	AggregateSize  int   `json:"aggregate_size"`
	ParsedLines    int64 `json:"parsed_lines"`
	SkippedLines   int64 `json:"skipped_lines"`
	DroppedLines   int64 `json:"dropped_lines"`
	AutoFlushes    int64 `json:"auto_flushes"`
	LastDrainedAgo int64 `json:"last_drained_seconds_ago"`
}

// LineHook observes every raw line before filtering; the torrent
// detector hangs off this.
type LineHook func(line string)

// Ingester runs the tail, the batch processor, and the watchdog.
type Ingester struct {
	source LineSource
	logger *logging.Logger
	hooks  []LineHook

	maxBufferLines int
	maxBufferBytes int

	mu          sync.Mutex
	buffer      []string
	bufferBytes int
	agg         map[aggKey]int64
	aggBytes    int
	lastDrain   time.Time
	skipBatch   bool
	running     bool

	parsed  int64
	skipped int64
	dropped int64
	flushes int64
}

// New creates an ingester. Hooks registered before Run see every line.
func New(source LineSource, logger *logging.Logger, hooks ...LineHook) *Ingester {
	return &Ingester{
		source:         source,
		logger:         logger.WithComponent("xraylog"),
		hooks:          hooks,
		maxBufferLines: DefaultMaxBufferLines,
		maxBufferBytes: DefaultMaxBufferBytes,
		agg:            make(map[aggKey]int64),
		lastDrain:      time.Now(),
	}
}

// Run tails the log until the context is cancelled, restarting the
// tail with a delay whenever the container goes away.
func (i *Ingester) Run(ctx context.Context) error {
	i.mu.Lock()
	i.running = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	batch := time.NewTicker(batchInterval)
	defer batch.Stop()
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	lines, err := i.source.Tail(ctx)
	if err != nil {
		i.logger.Warn("tail failed to start, will retry", "error", err)
		lines = nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				// Container gone or tail died: back off and reattach.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(tailRetryDelay):
				}
				lines, err = i.source.Tail(ctx)
				if err != nil {
					i.logger.Warn("tail restart failed", "error", err)
					lines = nil
				}
				continue
			}
			i.ingestLine(line)

		case <-batch.C:
			i.processBatch()

		case <-watchdog.C:
			i.watchdogCheck()
		}
	}
}

func (i *Ingester) ingestLine(line string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.buffer) >= i.maxBufferLines || i.bufferBytes+len(line) > i.maxBufferBytes {
		i.dropped++
		return
	}
	i.buffer = append(i.buffer, line)
	i.bufferBytes += len(line)
}

// processBatch drains the line buffer into the aggregate map.
func (i *Ingester) processBatch() {
	i.mu.Lock()
	if i.skipBatch {
		i.skipBatch = false
		i.mu.Unlock()
		return
	}
	lines := i.buffer
	i.buffer = nil
	i.bufferBytes = 0
	i.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	type delta struct {
		key   aggKey
		count int64
		size  int
	}
	var deltas []delta
	var parsed, skipped int64
	index := make(map[aggKey]int)

	for _, line := range lines {
		for _, hook := range i.hooks {
			hook(line)
		}
		entry, ok := ParseLine(line)
		if !ok {
			skipped++
			continue
		}
		parsed++
		k := aggKey{email: entry.Email, sourceIP: entry.SourceIP, host: entry.Host}
		if idx, seen := index[k]; seen {
			deltas[idx].count++
			continue
		}
		index[k] = len(deltas)
		deltas = append(deltas, delta{key: k, count: 1, size: len(entry.SourceIP) + len(entry.Host) + entryOverhead})
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.parsed += parsed
	i.skipped += skipped
	for _, d := range deltas {
		if _, exists := i.agg[d.key]; !exists {
			i.aggBytes += d.size
		}
		i.agg[d.key] += d.count
	}
}

// watchdogCheck enforces the aggregate bounds. Over the hard limit or
// stale for 10 min: clear. Past 90%: skip the next batch instead of
// growing further.
func (i *Ingester) watchdogCheck() {
	i.mu.Lock()
	defer i.mu.Unlock()

	over := i.aggBytes > maxAggregateBytes || len(i.agg) > maxAggregateEntries
	stale := time.Since(i.lastDrain) > staleDrainAge && len(i.agg) > 0
	if over || stale {
		i.logger.Warn("aggregate limit hit, auto-flushing",
			"entries", len(i.agg), "bytes", i.aggBytes, "stale", stale)
		i.agg = make(map[aggKey]int64)
		i.aggBytes = 0
		i.lastDrain = time.Now()
		i.flushes++
		return
	}

	if float64(i.aggBytes) > nearLimitFraction*maxAggregateBytes ||
		float64(len(i.agg)) > nearLimitFraction*maxAggregateEntries {
		i.skipBatch = true
	}
}

// CollectAndClear drains any pending batch, returns the snapshot, and
// atomically resets the aggregate.
func (i *Ingester) CollectAndClear() Snapshot {
	i.processBatch()

	i.mu.Lock()
	defer i.mu.Unlock()

	stats := make([]Stat, 0, len(i.agg))
	for k, count := range i.agg {
		stats = append(stats, Stat{Email: k.email, SourceIP: k.sourceIP, Host: k.host, Count: count})
	}
	i.agg = make(map[aggKey]int64)
	i.aggBytes = 0
	i.lastDrain = time.Now()

	return Snapshot{CollectedAt: time.Now().UTC(), Stats: stats}
}

// Status reports current counters.
func (i *Ingester) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Running:        i.running,
		BufferedLines:  len(i.buffer),
		AggregateSize:  len(i.agg),
		ParsedLines:    i.parsed,
		SkippedLines:   i.skipped,
		DroppedLines:   i.dropped,
		AutoFlushes:    i.flushes,
		LastDrainedAgo: int64(time.Since(i.lastDrain).Seconds()),
	}
}
