// Package proctest provides process doubles for packages that spawn tools
// through proc.ProcessExecutor.
package proctest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/shini4i/bandwhich-bridge/internal/proc"
)

// MockProcess implements proc.Process for testing. Its stdout blocks like a
// real pipe until data is written, the output is finished, or the process
// is killed.
type MockProcess struct {
	mu sync.Mutex

	startErr error
	waitErr  error
	killErr  error

	stdout *pipeReader
	stderr *pipeReader

	started bool
	killed  bool
	done    bool

	onExit func()

	// WaitCh can be used to control when Wait() returns
	WaitCh chan struct{}
}

// NewMockProcess creates a new mock process with empty output.
func NewMockProcess() *MockProcess {
	return &MockProcess{
		stdout: newPipeReader(),
		stderr: newPipeReader(),
		WaitCh: make(chan struct{}),
	}
}

func (p *MockProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *MockProcess) Wait() error {
	<-p.WaitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	if p.killErr != nil {
		err := p.killErr
		p.mu.Unlock()
		return err
	}
	p.killed = true
	p.mu.Unlock()

	p.exit()
	return nil
}

func (p *MockProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *MockProcess) Stderr() io.ReadCloser {
	return p.stderr
}

// SetStartError sets an error to return from Start().
func (p *MockProcess) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// SetWaitError sets an error to return from Wait().
func (p *MockProcess) SetWaitError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr = err
}

// SetKillError sets an error to return from Kill().
func (p *MockProcess) SetKillError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
}

// WriteToStdout appends raw data to stdout without adding a newline.
func (p *MockProcess) WriteToStdout(data string) {
	p.stdout.write(data)
}

// WriteToStderr writes a line to stderr.
func (p *MockProcess) WriteToStderr(data string) {
	p.stderr.write(data + "\n")
}

// IsStarted returns true if Start() was called successfully.
func (p *MockProcess) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsKilled returns true if Kill() was called successfully.
func (p *MockProcess) IsKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// IsDone returns true once the process has exited.
func (p *MockProcess) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// CompleteProcess makes the process exit on its own: buffered output can
// still be read, then readers see EOF and Wait returns.
func (p *MockProcess) CompleteProcess() {
	p.exit()
}

func (p *MockProcess) exit() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	onExit := p.onExit
	if !p.started {
		onExit = nil
	}
	p.mu.Unlock()

	p.stdout.finish()
	p.stderr.finish()
	close(p.WaitCh)

	if onExit != nil {
		onExit()
	}
}

// pipeReader is an in-memory pipe whose Read blocks while empty.
type pipeReader struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	finished bool
	closed   bool
}

func newPipeReader() *pipeReader {
	r := &pipeReader{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pipeReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.buf.Len() == 0 && !r.finished && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.buf.Len() == 0 {
		return 0, io.EOF
	}
	return r.buf.Read(b)
}

func (r *pipeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

func (r *pipeReader) write(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.WriteString(data)
	r.cond.Broadcast()
}

func (r *pipeReader) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.cond.Broadcast()
}

// Call records one CreateProcess invocation.
type Call struct {
	Name string
	Args []string
}

// MockExecutor implements proc.ProcessExecutor for testing. Every call
// creates a fresh MockProcess; the executor tracks how many of them are
// alive at once.
type MockExecutor struct {
	mu sync.Mutex

	createErr  error
	newProcess func(call Call) *MockProcess

	calls     []Call
	processes []*MockProcess
	alive     int
	maxAlive  int
	created   chan *MockProcess
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		created: make(chan *MockProcess, 64),
	}
}

// CreateProcess implements proc.ProcessExecutor.
func (e *MockExecutor) CreateProcess(ctx context.Context, name string, args ...string) (proc.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call := Call{Name: name, Args: append([]string(nil), args...)}
	e.calls = append(e.calls, call)

	if e.createErr != nil {
		return nil, e.createErr
	}

	var p *MockProcess
	if e.newProcess != nil {
		p = e.newProcess(call)
	} else {
		p = NewMockProcess()
	}
	p.onExit = e.processExited

	e.processes = append(e.processes, p)
	select {
	case e.created <- p:
	default:
	}
	return &trackedProcess{MockProcess: p, executor: e}, nil
}

// SetCreateError sets an error to return from CreateProcess.
func (e *MockExecutor) SetCreateError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// SetProcessFactory overrides how processes are built for each call.
func (e *MockExecutor) SetProcessFactory(fn func(call Call) *MockProcess) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newProcess = fn
}

// Created delivers every process as soon as it is created.
func (e *MockExecutor) Created() <-chan *MockProcess {
	return e.created
}

// Calls returns every CreateProcess invocation in order.
func (e *MockExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Processes returns every process created so far.
func (e *MockExecutor) Processes() []*MockProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MockProcess(nil), e.processes...)
}

// Alive returns how many started processes have not exited yet.
func (e *MockExecutor) Alive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

// MaxAlive returns the highest number of processes alive at the same time.
func (e *MockExecutor) MaxAlive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxAlive
}

func (e *MockExecutor) processStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive++
	if e.alive > e.maxAlive {
		e.maxAlive = e.alive
	}
}

func (e *MockExecutor) processExited() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive--
}

// trackedProcess reports successful starts back to the executor.
type trackedProcess struct {
	*MockProcess
	executor *MockExecutor
}

func (p *trackedProcess) Start() error {
	if err := p.MockProcess.Start(); err != nil {
		return err
	}
	// A process scripted to exit before it was started never counts as alive.
	if !p.IsDone() {
		p.executor.processStarted()
	}
	return nil
}
