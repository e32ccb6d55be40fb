// Package pool implements the fixed-size rendezvous of pre-assigned
// debug ports used by the browser pool.
package pool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iipc/go-archiving-browser/driver"
	"github.com/iipc/go-archiving-browser/internal/metrics"
)

// Error is a pool error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string { return string(err) }

// ErrPoolEmpty is returned by Acquire when no Driver is available.
const ErrPoolEmpty Error = "pool empty"

// DefaultBasePort is the first debug port a Pool allocates.
const DefaultBasePort = 9200

// Pool holds a fixed set of Drivers partitioned into available and
// in-use, mutated only under its own mutex.
type Pool struct {
	mu        sync.Mutex
	available []*driver.Driver
	inUse     map[*driver.Driver]bool

	log *logrus.Entry
}

// Option configures a Pool at construction time.
type Option func(*poolConfig)

type poolConfig struct {
	basePort      int
	driverOptions []driver.Option
	log           *logrus.Entry
}

// WithBasePort overrides the first debug port (default 9200).
func WithBasePort(port int) Option {
	return func(c *poolConfig) { c.basePort = port }
}

// WithDriverOptions passes options through to every Driver the pool
// constructs.
func WithDriverOptions(opts ...driver.Option) Option {
	return func(c *poolConfig) { c.driverOptions = append(c.driverOptions, opts...) }
}

// WithLogger attaches a logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *poolConfig) { c.log = log }
}

// New allocates size Drivers on distinct, consecutive debug ports
// starting at the configured base port (default 9200) and returns a
// Pool with all of them available.
func New(size int, opts ...Option) *Pool {
	cfg := &poolConfig{
		basePort: DefaultBasePort,
		log:      logrus.WithField("component", "pool"),
	}
	for _, o := range opts {
		o(cfg)
	}

	p := &Pool{
		inUse: make(map[*driver.Driver]bool, size),
		log:   cfg.log,
	}

	ports := make([]int, 0, size)
	for i := 0; i < size; i++ {
		port := cfg.basePort + i
		ports = append(ports, port)
		p.available = append(p.available, driver.New(port, cfg.driverOptions...))
	}
	p.log.WithField("ports", ports).Info("browser pool ready")
	metrics.PoolAvailable.Set(float64(size))
	metrics.PoolInUse.Set(0)
	return p
}

// Acquire removes an arbitrary Driver from the available set and moves
// it to in-use, returning ErrPoolEmpty if none are available.
func (p *Pool) Acquire() (*driver.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.available)
	if n == 0 {
		return nil, ErrPoolEmpty
	}
	d := p.available[n-1]
	p.available = p.available[:n-1]
	p.inUse[d] = true

	metrics.PoolAcquires.Inc()
	metrics.PoolAvailable.Set(float64(len(p.available)))
	metrics.PoolInUse.Set(float64(len(p.inUse)))
	return d, nil
}

// Release moves driver d back from in-use to available. Releasing a
// Driver not currently in-use is a no-op (idempotency is not required by
// required, but being a no-op rather than panicking is the safer
// default).
func (p *Pool) Release(d *driver.Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[d] {
		return
	}
	delete(p.inUse, d)
	p.available = append(p.available, d)

	metrics.PoolReleases.Inc()
	metrics.PoolAvailable.Set(float64(len(p.available)))
	metrics.PoolInUse.Set(float64(len(p.inUse)))
}

// ShutdownNow invokes AbortBrowsePage on every Driver currently in-use,
// fanning the calls out across the fleet with an errgroup rather than a
// plain loop so a stuck driver's signaling never delays the others.
func (p *Pool) ShutdownNow() {
	p.mu.Lock()
	inUse := make([]*driver.Driver, 0, len(p.inUse))
	for d := range p.inUse {
		inUse = append(inUse, d)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, d := range inUse {
		d := d
		g.Go(func() error {
			d.AbortBrowsePage()
			return nil
		})
	}
	g.Wait()
	p.log.WithField("count", len(inUse)).Warn("pool shutdown: aborted in-use drivers")
}

// Stats reports the current available/in-use counts, for logging or
// health checks; it is observational and not part of the pool's
// concurrency control.
func (p *Pool) Stats() (available, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.inUse)
}

// String reports the pool's size, for log correlation.
func (p *Pool) String() string {
	available, inUse := p.Stats()
	return fmt.Sprintf("pool(available=%d, in_use=%d)", available, inUse)
}
