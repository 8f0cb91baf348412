package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vigilrun/vigil/pkg/wire"
)

// DefaultStatusInterval is how often cluster:status is pushed.
const DefaultStatusInterval = 5 * time.Second

// Worker is one process managed by a Controller.
type Worker struct {
	ID  string `json:"id"`
	PID int    `json:"pid,omitempty"`
}

// ClusterStatus is the cluster:status payload. The zero value encodes as
// {"enabled":false}.
type ClusterStatus struct {
	Enabled    bool     `json:"enabled"`
	IsMaster   bool     `json:"isMaster,omitempty"`
	SetSize    int      `json:"setSize,omitempty"`
	Size       int      `json:"size,omitempty"`
	Workers    []Worker `json:"workers,omitempty"`
	Restarting []string `json:"restarting,omitempty"`
	CPUs       int      `json:"cpus,omitempty"`
}

// Controller manages a pool of worker processes on the host's behalf.
type Controller interface {
	SetSize(n int) error
	Restart() error
	Terminate(id string) error
	Shutdown(id string) error
	Status() ClusterStatus
}

// ClusterOptions configures a Cluster. Zero values select defaults.
type ClusterOptions struct {
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// Cluster bridges the cluster:* commands to a Controller.
type Cluster struct {
	t      Transport
	ctrl   Controller
	clk    clock.Clock
	every  time.Duration
	log    *slog.Logger
	notify chan struct{}
}

// NewCluster returns a Cluster. ctrl may be nil when the host runs no pool.
func NewCluster(t Transport, ctrl Controller, opts ClusterOptions) *Cluster {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultStatusInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cluster{
		t:      t,
		ctrl:   ctrl,
		clk:    opts.Clock,
		every:  opts.Interval,
		log:    opts.Logger,
		notify: make(chan struct{}, 1),
	}
}

// Register subscribes the cluster commands. Without a Controller it
// registers nothing.
func (c *Cluster) Register() (unregister func()) {
	if c.ctrl == nil {
		return func() {}
	}
	return unregisterAll([]func(){
		c.t.On(wire.CmdClusterResize, c.resize),
		c.t.On(wire.CmdClusterRestartAll, func(wire.Args) { c.apply("restart-all", c.ctrl.Restart()) }),
		c.t.On(wire.CmdClusterTerminate, c.worker("terminate", c.ctrl.Terminate)),
		c.t.On(wire.CmdClusterShutdown, c.worker("shutdown", c.ctrl.Shutdown)),
	})
}

// Notify asks Run to push a fresh status now, e.g. after a worker exits.
func (c *Cluster) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run pushes the status once, then every interval and on Notify until ctx
// is done. Without a Controller it pushes {enabled:false} once and returns.
func (c *Cluster) Run(ctx context.Context) {
	c.push()
	if c.ctrl == nil {
		return
	}
	t := c.clk.Ticker(c.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.notify:
		}
		c.push()
	}
}

func (c *Cluster) push() {
	var st ClusterStatus
	if c.ctrl != nil {
		st = c.ctrl.Status()
	}
	if err := c.t.Send(wire.CmdClusterStatus, st); err != nil {
		c.log.Debug("control: cluster status not sent", "err", err)
	}
}

func (c *Cluster) resize(args wire.Args) {
	n, ok := args.Int(0)
	if !ok || n < 0 {
		c.log.Warn("control: cluster:resize needs a size", "args", []any(args))
		return
	}
	c.apply("resize", c.ctrl.SetSize(n))
}

func (c *Cluster) worker(action string, fn func(id string) error) func(wire.Args) {
	return func(args wire.Args) {
		id, ok := args.String(0)
		if !ok {
			c.log.Warn("control: cluster command needs a worker id", "action", action)
			return
		}
		c.apply(action, fn(id))
	}
}

func (c *Cluster) apply(action string, err error) {
	if err != nil {
		c.log.Warn("control: cluster command failed", "action", action, "err", err)
	} else {
		c.log.Info("control: cluster command applied", "action", action)
	}
	c.Notify()
}
