package history

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	iface    string
	programs []string
}

func (f *fakeSource) Interface() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iface
}

func (f *fakeSource) Programs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.programs == nil {
		return nil
	}
	return append([]string(nil), f.programs...)
}

func (f *fakeSource) add(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs = append(f.programs, names...)
}

func newTestRecorder(t *testing.T, schedule string, source Source) *Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "history.json")
	r := NewRecorder(path, schedule, source)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRecorder_Flush(t *testing.T) {
	source := &fakeSource{iface: "eth0", programs: []string{"curl", "firefox"}}
	r := newTestRecorder(t, "", source)

	require.NoError(t, r.Flush())

	entry, err := Load(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "eth0", entry.Interface)
	assert.Equal(t, []string{"curl", "firefox"}, entry.Programs)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), entry.UpdatedAt)

	info, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRecorder_FlushBeforeInterface(t *testing.T) {
	r := newTestRecorder(t, "", &fakeSource{})

	require.NoError(t, r.Flush())

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"programs": []`)
}

func TestRecorder_CheckpointSkipsUnchanged(t *testing.T) {
	source := &fakeSource{iface: "eth0", programs: []string{"curl"}}
	r := newTestRecorder(t, "", source)

	r.checkpoint()
	require.NoError(t, os.Remove(r.Path()))

	r.checkpoint()
	_, err := os.Stat(r.Path())
	assert.True(t, os.IsNotExist(err), "unchanged checkpoint should not be written")

	source.add("ssh")
	r.checkpoint()
	entry, err := Load(r.Path())
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "ssh"}, entry.Programs)
}

func TestRecorder_StartInvalidSchedule(t *testing.T) {
	r := newTestRecorder(t, "every now and then", &fakeSource{})

	err := r.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid history schedule")
}

func TestRecorder_StartTwice(t *testing.T) {
	r := newTestRecorder(t, "@every 1h", &fakeSource{})

	require.NoError(t, r.Start())
	defer func() { _ = r.Stop() }()

	assert.Error(t, r.Start())
}

func TestRecorder_PeriodicCheckpoint(t *testing.T) {
	source := &fakeSource{iface: "wlan0", programs: []string{"apt"}}
	r := newTestRecorder(t, "@every 1s", source)

	require.NoError(t, r.Start())
	defer func() { _ = r.Stop() }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(r.Path())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	entry, err := Load(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "wlan0", entry.Interface)
}

func TestRecorder_StopWritesFinalCheckpoint(t *testing.T) {
	source := &fakeSource{iface: "eth0"}
	r := newTestRecorder(t, "@every 1h", source)
	require.NoError(t, r.Start())

	source.add("zoom")
	require.NoError(t, r.Stop())

	entry, err := Load(r.Path())
	require.NoError(t, err)
	assert.Equal(t, []string{"zoom"}, entry.Programs)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0600))
	_, err = Load(bad)
	assert.Error(t, err)
}
