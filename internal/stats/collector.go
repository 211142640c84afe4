package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shini4i/bandwhich-bridge/internal/netif"
)

// DefaultPollInterval is the default interval between stats polls.
const DefaultPollInterval = 2 * time.Second

// NetworkStats is one sample of an interface. Rx and Tx are the
// cumulative counters, the rates cover the time since the previous sample
// and the session fields count from Start.
type NetworkStats struct {
	Interface string

	RxBytes, TxBytes             uint64
	RxBytesPerSec, TxBytesPerSec float64

	SessionRxBytes, SessionTxBytes uint64
	Duration                       time.Duration

	Timestamp time.Time
}

// Rate formats the current rates with upload first.
func (s NetworkStats) Rate() string {
	return FormatTransfer(s.TxBytesPerSec, s.RxBytesPerSec)
}

// Summary formats the session totals, e.g. "↑ 2.0 KiB ↓ 1.5 MiB in 3m 2s".
func (s NetworkStats) Summary() string {
	return fmt.Sprintf("↑ %s ↓ %s in %s",
		FormatBytes(s.SessionTxBytes), FormatBytes(s.SessionRxBytes), FormatDuration(s.Duration))
}

// CounterFunc returns the cumulative received and transmitted bytes of an
// interface.
type CounterFunc func(iface string) (rx, tx uint64, err error)

// Collector periodically samples the byte counters of one interface.
type Collector struct {
	pollInterval time.Duration
	counters     CounterFunc

	mu            sync.RWMutex
	interfaceName string
	sessionRx     uint64
	sessionTx     uint64
	lastRx        uint64
	lastTx        uint64
	lastTime      time.Time
	startTime     time.Time
	latest        NetworkStats
	onStats       func(NetworkStats)

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCollector creates a collector. A zero pollInterval uses
// DefaultPollInterval and a nil counters reads them through netif.
func NewCollector(pollInterval time.Duration, counters CounterFunc) *Collector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if counters == nil {
		counters = netif.Counters
	}
	return &Collector{
		pollInterval: pollInterval,
		counters:     counters,
	}
}

// OnStats registers a callback invoked with every sample, from the polling
// goroutine.
func (c *Collector) OnStats(callback func(NetworkStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStats = callback
}

// Start begins sampling the interface. The current counters become the
// baseline for session totals. Starting a running collector switches it to
// the new interface.
func (c *Collector) Start(interfaceName string) error {
	rx, tx, err := c.counters(interfaceName)
	if err != nil {
		return err
	}

	c.Stop()

	now := time.Now()
	c.mu.Lock()
	c.interfaceName = interfaceName
	c.sessionRx, c.sessionTx = 0, 0
	c.lastRx, c.lastTx = rx, tx
	c.lastTime = now
	c.startTime = now
	c.latest = NetworkStats{Interface: interfaceName, RxBytes: rx, TxBytes: tx, Timestamp: now}
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	stopChan, doneChan := c.stopChan, c.doneChan
	c.mu.Unlock()

	go c.pollLoop(stopChan, doneChan)

	slog.Debug("Stats collector started", "interface", interfaceName)
	return nil
}

// Stop stops sampling and waits for the polling goroutine to exit.
// The last sample stays available through Latest.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopChan, doneChan := c.stopChan, c.doneChan
	c.stopChan, c.doneChan = nil, nil
	iface := c.interfaceName
	c.mu.Unlock()

	if stopChan == nil {
		return
	}
	close(stopChan)
	<-doneChan

	slog.Debug("Stats collector stopped", "interface", iface)
}

// IsRunning returns true if the collector is actively polling.
func (c *Collector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopChan != nil
}

// Latest returns the most recent sample.
func (c *Collector) Latest() NetworkStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Sample reads the counters now and returns the resulting statistics.
func (c *Collector) Sample() (NetworkStats, error) {
	c.mu.RLock()
	iface := c.interfaceName
	c.mu.RUnlock()

	rx, tx, err := c.counters(iface)
	if err != nil {
		return c.Latest(), err
	}
	return c.record(rx, tx, time.Now()), nil
}

func (c *Collector) pollLoop(stopChan <-chan struct{}, doneChan chan<- struct{}) {
	defer close(doneChan)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			c.collectAndEmit()
		}
	}
}

// collectAndEmit reads current counters, calculates rates, and emits the result.
func (c *Collector) collectAndEmit() {
	stats, err := c.Sample()
	if err != nil {
		slog.Debug("Failed to read interface stats", "interface", stats.Interface, "error", err)
		return
	}

	c.mu.RLock()
	callback := c.onStats
	c.mu.RUnlock()

	// Callback runs without the lock to prevent deadlocks.
	if callback != nil {
		callback(stats)
	}
}

func (c *Collector) record(rx, tx uint64, now time.Time) NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.lastTime).Seconds()

	// Counters that go backwards were reset; the sample contributes nothing.
	var rxDelta, txDelta uint64
	if rx >= c.lastRx {
		rxDelta = rx - c.lastRx
	}
	if tx >= c.lastTx {
		txDelta = tx - c.lastTx
	}

	var rxRate, txRate float64
	if elapsed > 0 {
		rxRate = float64(rxDelta) / elapsed
		txRate = float64(txDelta) / elapsed
	}

	c.sessionRx += rxDelta
	c.sessionTx += txDelta
	c.lastRx, c.lastTx = rx, tx
	c.lastTime = now

	c.latest = NetworkStats{
		Interface:      c.interfaceName,
		RxBytes:        rx,
		TxBytes:        tx,
		RxBytesPerSec:  rxRate,
		TxBytesPerSec:  txRate,
		SessionRxBytes: c.sessionRx,
		SessionTxBytes: c.sessionTx,
		Duration:       now.Sub(c.startTime),
		Timestamp:      now,
	}
	return c.latest
}
