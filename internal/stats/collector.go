package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks filtering statistics using lock-free atomic counters. A
// Collector may be shared by many pipelines.
type Collector struct {
	blocksRead       atomic.Int64
	blocksEmitted    atomic.Int64
	blocksDropped    atomic.Int64
	bytesRead        atomic.Int64
	bytesEmitted     atomic.Int64
	fileBytesEmitted atomic.Int64
	requests         atomic.Int64
	cacheHits        atomic.Int64
	passthroughs     atomic.Int64
	earlyExits       atomic.Int64
	startTime        time.Time

	// Ring buffer of emitted bytes per tick. Written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BlocksRead       int64
	BlocksEmitted    int64
	BlocksDropped    int64
	BytesRead        int64
	BytesEmitted     int64
	FileBytesEmitted int64
	Requests         int64
	CacheHits        int64
	Passthroughs     int64
	EarlyExits       int64
	Elapsed          time.Duration
}

func (c *Collector) AddBlocksRead(n int64)       { c.blocksRead.Add(n) }
func (c *Collector) AddBlocksEmitted(n int64)    { c.blocksEmitted.Add(n) }
func (c *Collector) AddBlocksDropped(n int64)    { c.blocksDropped.Add(n) }
func (c *Collector) AddBytesRead(n int64)        { c.bytesRead.Add(n) }
func (c *Collector) AddBytesEmitted(n int64)     { c.bytesEmitted.Add(n) }
func (c *Collector) AddFileBytesEmitted(n int64) { c.fileBytesEmitted.Add(n) }
func (c *Collector) AddRequests(n int64)         { c.requests.Add(n) }
func (c *Collector) AddCacheHits(n int64)        { c.cacheHits.Add(n) }
func (c *Collector) AddPassthroughs(n int64)     { c.passthroughs.Add(n) }
func (c *Collector) AddEarlyExits(n int64)       { c.earlyExits.Add(n) }

// Merge adds the counters of s. Elapsed is ignored.
func (c *Collector) Merge(s Snapshot) {
	c.blocksRead.Add(s.BlocksRead)
	c.blocksEmitted.Add(s.BlocksEmitted)
	c.blocksDropped.Add(s.BlocksDropped)
	c.bytesRead.Add(s.BytesRead)
	c.bytesEmitted.Add(s.BytesEmitted)
	c.fileBytesEmitted.Add(s.FileBytesEmitted)
	c.requests.Add(s.Requests)
	c.cacheHits.Add(s.CacheHits)
	c.passthroughs.Add(s.Passthroughs)
	c.earlyExits.Add(s.EarlyExits)
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BlocksRead:       c.blocksRead.Load(),
		BlocksEmitted:    c.blocksEmitted.Load(),
		BlocksDropped:    c.blocksDropped.Load(),
		BytesRead:        c.bytesRead.Load(),
		BytesEmitted:     c.bytesEmitted.Load(),
		FileBytesEmitted: c.fileBytesEmitted.Load(),
		Requests:         c.requests.Load(),
		CacheHits:        c.cacheHits.Load(),
		Passthroughs:     c.passthroughs.Load(),
		EarlyExits:       c.earlyExits.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Tick records the emitted-bytes delta since the previous tick. Called once
// per second by the progress reporter.
func (c *Collector) Tick() {
	current := c.bytesEmitted.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average emitted bytes/sec over the last n ticks.
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"blocks=%d emitted=%d dropped=%d read=%d written=%d file_bytes=%d",
		s.BlocksRead, s.BlocksEmitted, s.BlocksDropped,
		s.BytesRead, s.BytesEmitted, s.FileBytesEmitted,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
