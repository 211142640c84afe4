// Package history checkpoints the programs observed by the control plane to
// a JSON state file on a cron schedule.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/shini4i/bandwhich-bridge/internal/fileutil"
)

// DefaultSchedule checkpoints every thirty seconds.
const DefaultSchedule = "@every 30s"

// Source provides the data written to each checkpoint.
type Source interface {
	Interface() string
	Programs() []string
}

// Entry is the content of the history file.
type Entry struct {
	Interface string    `json:"interface"`
	UpdatedAt time.Time `json:"updated_at"`
	Programs  []string  `json:"programs"`
}

// Recorder writes checkpoints of a Source.
type Recorder struct {
	path     string
	schedule string
	source   Source
	now      func() time.Time

	mu        sync.Mutex
	crontab   *cron.Cron
	lastIface string
	lastCount int
	written   bool
}

// NewRecorder creates a recorder writing to path. An empty schedule disables
// periodic checkpoints; Stop still writes a final one.
func NewRecorder(path, schedule string, source Source) *Recorder {
	return &Recorder{
		path:     path,
		schedule: schedule,
		source:   source,
		now:      time.Now,
	}
}

// Path returns the history file path.
func (r *Recorder) Path() string {
	return r.path
}

// Start begins periodic checkpoints.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.crontab != nil {
		return errors.New("history recorder already started")
	}
	if r.schedule == "" {
		slog.Debug("History checkpoints disabled", "path", r.path)
		return nil
	}

	crontab := cron.New()
	if err := crontab.AddFunc(r.schedule, r.checkpoint); err != nil {
		return fmt.Errorf("invalid history schedule %q: %w", r.schedule, err)
	}
	crontab.Start()
	r.crontab = crontab

	slog.Debug("History recorder started", "path", r.path, "schedule", r.schedule)
	return nil
}

// Stop ends periodic checkpoints and writes a final one.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	crontab := r.crontab
	r.crontab = nil
	r.mu.Unlock()

	if crontab != nil {
		crontab.Stop()
	}
	return r.Flush()
}

// Flush writes a checkpoint unconditionally.
func (r *Recorder) Flush() error {
	return r.write(true)
}

func (r *Recorder) checkpoint() {
	if err := r.write(false); err != nil {
		slog.Warn("Failed to write history checkpoint", "path", r.path, "error", err)
	}
}

// write skips the checkpoint when nothing changed since the last one, unless
// forced. Programs only ever grow, so the count identifies the content.
func (r *Recorder) write(force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	iface := r.source.Interface()
	programs := r.source.Programs()
	if programs == nil {
		programs = []string{}
	}

	if !force && r.written && iface == r.lastIface && len(programs) == r.lastCount {
		return nil
	}

	entry := Entry{
		Interface: iface,
		UpdatedAt: r.now().UTC(),
		Programs:  programs,
	}
	if err := fileutil.AtomicWriteJSON(r.path, entry, 0600); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}

	r.lastIface = iface
	r.lastCount = len(programs)
	r.written = true

	slog.Debug("History checkpoint written", "path", r.path, "programs", len(programs))
	return nil
}

// Load reads a history file.
func Load(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}
	if entry.Programs == nil {
		entry.Programs = []string{}
	}
	return &entry, nil
}
