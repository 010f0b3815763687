package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-ircd/threadengine"
	prom "github.com/prometheus/client_golang/prometheus"
)

// StatsProvider provides engine stats snapshots, e.g. *threadengine.Engine.
type StatsProvider interface {
	Stats() threadengine.Stats
}

// SnapshotPoller periodically exports engine Stats() snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	enginesMu sync.RWMutex
	engines   map[string]StatsProvider

	pending   *prom.GaugeVec
	executing *prom.GaugeVec
	ready     *prom.GaugeVec
	runners   *prom.GaugeVec
	finished  *prom.GaugeVec
	discarded *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "threadengine"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      name,
			Help:      help,
		}, []string{"engine"})
	}

	p := &SnapshotPoller{
		interval:  interval,
		engines:   make(map[string]StatsProvider),
		pending:   gauge("pending", "Jobs waiting in the submit queue."),
		executing: gauge("executing", "Jobs claimed by runners."),
		ready:     gauge("ready", "Jobs waiting in the result queue."),
		runners:   gauge("runners", "Runner goroutines started."),
		finished:  gauge("finished", "Jobs whose Finish has returned."),
		discarded: gauge("discarded", "Jobs dropped by shutdown."),
	}

	for _, g := range []**prom.GaugeVec{&p.pending, &p.executing, &p.ready, &p.runners, &p.finished, &p.discarded} {
		v, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = v
	}

	return p, nil
}

// AddEngine adds or replaces a stats provider by name.
func (p *SnapshotPoller) AddEngine(name string, provider StatsProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "default")
	p.enginesMu.Lock()
	p.engines[name] = provider
	p.enginesMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.stateMu.Unlock()

	go p.loop(pollCtx, done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()

	cancel()
	<-done
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.enginesMu.RLock()
	defer p.enginesMu.RUnlock()
	for name, provider := range p.engines {
		stats := provider.Stats()
		p.pending.WithLabelValues(name).Set(float64(stats.Pending))
		p.executing.WithLabelValues(name).Set(float64(stats.Executing))
		p.ready.WithLabelValues(name).Set(float64(stats.Ready))
		p.runners.WithLabelValues(name).Set(float64(stats.Runners))
		p.finished.WithLabelValues(name).Set(float64(stats.Finished))
		p.discarded.WithLabelValues(name).Set(float64(stats.Discarded))
	}
}
