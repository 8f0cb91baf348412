package control

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/vigilrun/vigil/pkg/wire"
)

// Profile kinds as sent in profile:start / profile:stop.
const (
	ProfileCPU    = "cpu"
	ProfileMemory = "memory"
)

// Profiler runs CPU and heap profiles on request.
type Profiler struct {
	t   Transport
	log *slog.Logger

	mu     sync.Mutex
	cpu    *bytes.Buffer // non-nil while a CPU profile runs
	memory bool
}

// NewProfiler returns a Profiler that reports through t.
func NewProfiler(t Transport, logger *slog.Logger) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{t: t, log: logger}
}

// Register subscribes the profiling commands.
func (p *Profiler) Register() (unregister func()) {
	return unregisterAll([]func(){
		p.t.On(wire.CmdCPUStart, func(wire.Args) { p.startCPU() }),
		p.t.On(wire.CmdCPUStop, func(args wire.Args) { p.stopCPU(args.Value(0)) }),
		p.t.On(wire.CmdMemoryStart, func(wire.Args) { p.startMemory() }),
		p.t.On(wire.CmdMemoryStop, func(wire.Args) { p.stopMemory() }),
	})
}

func (p *Profiler) startCPU() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpu != nil {
		p.log.Info("control: cpu profiler already started")
		return
	}
	buf := &bytes.Buffer{}
	if err := pprof.StartCPUProfile(buf); err != nil {
		p.log.Warn("control: cpu profiler failed to start", "err", err)
		return
	}
	p.cpu = buf
	p.log.Info("control: cpu profiler started")
	p.send(wire.CmdProfileStart, ProfileCPU)
}

// stopCPU ends the running profile and sends it tagged with the collector's
// row id. profileRun also marks the row done, so no profile:stop follows.
func (p *Profiler) stopCPU(rowID any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpu == nil {
		p.log.Info("control: cpu profiler not running, ignoring stop")
		return
	}
	pprof.StopCPUProfile()
	data := base64.StdEncoding.EncodeToString(p.cpu.Bytes())
	p.cpu = nil
	p.log.Info("control: sending cpu profile", "row_id", rowID, "bytes", len(data))
	p.send(wire.CmdProfileRun, rowID, data)
}

func (p *Profiler) startMemory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.memory {
		p.log.Info("control: memory profiler already started")
		return
	}
	p.memory = true
	p.log.Info("control: memory profiler started")
	p.send(wire.CmdProfileStart, ProfileMemory)
}

func (p *Profiler) stopMemory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.memory {
		p.log.Info("control: memory profiler not running, ignoring stop")
		return
	}
	p.memory = false
	data, err := heapProfile()
	if err != nil {
		p.log.Warn("control: heap profile failed", "err", err)
		p.send(wire.CmdProfileStop, ProfileMemory)
		return
	}
	p.log.Info("control: sending heap profile", "bytes", len(data))
	p.send(wire.CmdProfileStop, ProfileMemory, data)
}

// Close stops a running CPU profile without reporting it.
func (p *Profiler) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpu != nil {
		pprof.StopCPUProfile()
		p.cpu = nil
	}
	p.memory = false
}

func (p *Profiler) send(cmd string, args ...any) {
	if err := p.t.Send(cmd, args...); err != nil {
		p.log.Debug("control: send failed", "cmd", cmd, "err", err)
	}
}

func heapProfile() (string, error) {
	runtime.GC()
	var buf bytes.Buffer
	if err := pprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		return "", fmt.Errorf("write heap profile: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
