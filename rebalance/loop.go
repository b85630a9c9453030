package rebalance

import (
	"time"

	"github.com/sahib/ballast/stats"
	log "github.com/sirupsen/logrus"
)

// Resizable is the slice of a tier the rebalancer needs to see.
type Resizable interface {
	Name() string
	SetCapacity(maxBytes int64) error
}

// Config holds the rebalancer tunables.
type Config struct {
	// Budget is the total memory granted to all tiers together.
	Budget int64

	// Floor is the minimum capacity any active tier keeps.
	Floor int64

	// Interval between two rebalancing rounds.
	Interval time.Duration
}

// Loop is the periodic capacity controller. It runs as a single
// independent goroutine and only ever blocks a worker for the duration
// of one tier's SetCapacity call.
type Loop struct {
	cfg       Config
	collector *stats.Collector
	tiers     []Resizable

	quit    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a rebalancer over `tiers`. The slice order is the apply
// order: children before the aggregate they feed (locals, shared,
// disk), so no tier is asked to over-accept while upstream is still
// oversized.
func New(collector *stats.Collector, tiers []Resizable, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}

	return &Loop{
		cfg:       cfg,
		collector: collector,
		tiers:     tiers,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Tick runs a single rebalancing round. Exposed so that tests (or an
// external scheduler) can drive the loop deterministically.
func (l *Loop) Tick() CapacityPlan {
	snaps := l.collector.Snapshot()
	plan := ComputePlan(snaps, l.cfg.Budget, l.cfg.Floor)
	l.apply(plan)
	return plan
}

func (l *Loop) apply(plan CapacityPlan) {
	for _, tier := range l.tiers {
		bytes := plan.Bytes(tier.Name())
		if bytes < 0 {
			continue
		}

		if err := tier.SetCapacity(bytes); err != nil {
			// Retained dirty data beats a precise bound; the shrink
			// continues on the tier's next eviction pass and we try
			// again next round.
			log.Warningf("rebalance: resize of %s tier deferred: %v", tier.Name(), err)
		}
	}

	log.Debugf("rebalance: applied plan %v", plan)
}

// Start launches the periodic loop.
func (l *Loop) Start() {
	if l.started {
		return
	}

	l.started = true
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)

	tckr := time.NewTicker(l.cfg.Interval)
	defer tckr.Stop()

	for {
		select {
		case <-l.quit:
			log.Debugf("rebalance: quitting the control loop")
			return
		case <-tckr.C:
			l.Tick()
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (l *Loop) Stop() {
	if !l.started {
		return
	}

	close(l.quit)
	<-l.done
	l.started = false
}
