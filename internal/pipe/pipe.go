// ABOUTME: Subprocess-backed audio pipe for render and capture directions
// ABOUTME: Wraps one OS audio tool with backpressure-aware writes and exit events
package pipe

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pipecast/pipecast-go/internal/format"
)

const (
	// DefaultQueueDepth is the number of chunks buffered between Submit
	// and the subprocess's stdin before Submit reports backpressure.
	DefaultQueueDepth = 32

	// DefaultReadChunk is the read size for capture stdout. Chunk
	// boundaries delivered to subscribers follow the tool's own
	// buffering; this is only an upper bound per read.
	DefaultReadChunk = 4096
)

// EventType classifies the single lifecycle event a pipe delivers.
type EventType int

const (
	// Exited means the subprocess ended after Finish or Terminate.
	Exited EventType = iota

	// Failed means the subprocess could not serve the stream: broken
	// pipe on write, or a non-zero exit while actively streaming.
	Failed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case Exited:
		return "EXITED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered exactly once on Events when the subprocess ends.
// After delivery the pipe is inert: Submit reports failure and Data is
// closed.
type Event struct {
	Type     EventType
	ExitCode int
	Err      error
}

// Spec names the tool to spawn and its full argument list.
type Spec struct {
	Path string
	Args []string
}

// RenderSpec builds the invocation for a playback tool (aplay style):
// raw PCM mode with the format token, rate, channel count, and device.
func RenderSpec(tool string, f format.Format) Spec {
	return Spec{Path: tool, Args: rawPCMArgs(f)}
}

// CaptureSpec builds the invocation for a capture tool (arecord style).
// Capture and render tools share the raw-PCM argument contract.
func CaptureSpec(tool string, f format.Format) Spec {
	return Spec{Path: tool, Args: rawPCMArgs(f)}
}

func rawPCMArgs(f format.Format) []string {
	return []string{
		"-q",
		"-t", "raw",
		"-f", f.Token(),
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
		"-D", f.Device,
	}
}

// Options tune a pipe at construction.
type Options struct {
	QueueDepth int
	ReadChunk  int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Pipe owns one spawned audio subprocess and its data-plane streams:
// stdin for render pipes, stdout for capture pipes. stderr is drained
// to the logger and never parsed.
//
// A Pipe is safe for concurrent use by its owner's goroutines.
type Pipe struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	stdin  io.WriteCloser

	mu       sync.Mutex
	finished bool

	writeCh   chan []byte
	drainCh   chan struct{}
	wantDrain atomic.Bool
	queued    atomic.Int64

	dataCh   chan []byte
	readDone chan struct{}
	events   chan Event
	done     chan struct{}

	closed     atomic.Bool
	terminated atomic.Bool
	notifyOnce sync.Once
	termOnce   sync.Once
}

// StartRender spawns a playback subprocess. Bytes accepted by Submit
// are written to its stdin in submission order.
func StartRender(spec Spec, opts Options) (*Pipe, error) {
	p, err := start(spec, opts)
	if err != nil {
		return nil, err
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", spec.Path, err)
	}
	p.stdin = stdin
	p.writeCh = make(chan []byte, opts.withDefaults().QueueDepth)

	if err := p.run(spec); err != nil {
		return nil, err
	}
	go p.writeLoop()
	return p, nil
}

// StartCapture spawns a capture subprocess. Chunks read from its stdout
// are delivered on Data in arrival order.
func StartCapture(spec Spec, opts Options) (*Pipe, error) {
	p, err := start(spec, opts)
	if err != nil {
		return nil, err
	}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Path, err)
	}
	p.dataCh = make(chan []byte, opts.withDefaults().QueueDepth)
	p.readDone = make(chan struct{})

	if err := p.run(spec); err != nil {
		return nil, err
	}
	go p.readLoop(stdout, opts.withDefaults().ReadChunk)
	return p, nil
}

func start(spec Spec, opts Options) (*Pipe, error) {
	opts = opts.withDefaults()

	p := &Pipe{
		cmd:     exec.Command(spec.Path, spec.Args...),
		logger:  opts.Logger,
		drainCh: make(chan struct{}, 1),
		events:  make(chan Event, 1),
		done:    make(chan struct{}),
	}
	return p, nil
}

// run wires stderr, starts the subprocess, and begins the exit watcher.
func (p *Pipe) run(spec Spec) error {
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", spec.Path, err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", spec.Path, err)
	}

	p.logger.Debug("subprocess started", "tool", spec.Path, "pid", p.cmd.Process.Pid, "args", spec.Args)

	go p.logStderr(spec.Path, stderr)
	go p.wait()
	return nil
}

// Submit attempts a non-blocking handoff of b toward the subprocess's
// stdin. It returns false exactly when the write queue is full
// (backpressure; wait on Drain before retrying) or when the pipe is no
// longer running. Accepted bytes are added to the queued-byte count.
func (p *Pipe) Submit(b []byte) bool {
	if p.closed.Load() {
		return false
	}

	p.mu.Lock()
	if p.finished || p.writeCh == nil {
		p.mu.Unlock()
		return false
	}

	select {
	case p.writeCh <- b:
		p.mu.Unlock()
		p.queued.Add(int64(len(b)))
		return true
	default:
	}

	// Request a drain signal, then retry once so a slot freed between
	// the failed send and the flag store is not missed.
	p.wantDrain.Store(true)
	select {
	case p.writeCh <- b:
		p.mu.Unlock()
		p.wantDrain.Store(false)
		p.queued.Add(int64(len(b)))
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// Drain returns the channel signaled after a backpressured pipe has
// queue space again. Signals are coalesced; one receive covers all
// Submit calls that failed since the last signal.
func (p *Pipe) Drain() <-chan struct{} {
	return p.drainCh
}

// Data returns the capture chunk stream. It is nil for render pipes and
// closed when the subprocess exits. The owner must keep receiving until
// the channel closes, even after calling Terminate.
func (p *Pipe) Data() <-chan []byte {
	return p.dataCh
}

// Events delivers the pipe's single exit or failure event.
func (p *Pipe) Events() <-chan Event {
	return p.events
}

// QueuedBytes reports the total bytes accepted by Submit so far.
func (p *Pipe) QueuedBytes() int64 {
	return p.queued.Load()
}

// Finish flushes queued writes and closes the subprocess's stdin,
// signalling end of stream without killing it. Buffered audio keeps
// rendering until the tool exits on its own.
func (p *Pipe) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if p.writeCh != nil {
		close(p.writeCh)
	}
}

// Terminate kills the subprocess. Idempotent and safe after Finish.
func (p *Pipe) Terminate() {
	p.termOnce.Do(func() {
		p.terminated.Store(true)
		if p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Debug("kill subprocess", "err", err)
			}
		}
	})
}

func (p *Pipe) writeLoop() {
	for b := range p.writeCh {
		if _, err := p.stdin.Write(b); err != nil {
			p.notify(Event{Type: Failed, ExitCode: -1, Err: fmt.Errorf("write to subprocess: %w", err)})
			return
		}
		p.signalDrain()
	}
	// Queue closed by Finish: closing stdin tells the tool no more
	// data is coming.
	if err := p.stdin.Close(); err != nil {
		p.logger.Debug("close subprocess stdin", "err", err)
	}
}

func (p *Pipe) signalDrain() {
	if p.wantDrain.CompareAndSwap(true, false) {
		select {
		case p.drainCh <- struct{}{}:
		default:
		}
	}
}

func (p *Pipe) readLoop(stdout io.Reader, chunkSize int) {
	defer close(p.dataCh)
	defer close(p.readDone)

	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.dataCh <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipe) logStderr(tool string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("subprocess stderr", "tool", tool, "line", scanner.Text())
	}
}

// wait watches for subprocess exit and classifies it. A deliberate
// Terminate reports Exited; any other non-clean end reports Failed.
func (p *Pipe) wait() {
	// cmd.Wait closes the stdout pipe, so for capture pipes it must not
	// run until the read loop has seen EOF.
	if p.readDone != nil {
		<-p.readDone
	}
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	switch {
	case p.terminated.Load():
		p.notify(Event{Type: Exited, ExitCode: code})
	case err != nil:
		p.notify(Event{Type: Failed, ExitCode: code, Err: err})
	default:
		p.notify(Event{Type: Exited, ExitCode: code})
	}
}

// notify delivers the lifecycle event exactly once and makes the pipe
// inert.
func (p *Pipe) notify(ev Event) {
	p.notifyOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.events <- ev
		p.logger.Debug("subprocess ended", "type", ev.Type.String(), "code", ev.ExitCode, "err", ev.Err)
	})
}
