package rotation

import (
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/types"
)

const (
	// defaultExpiryTickInterval is the default expiry-set walk cadence.
	defaultExpiryTickInterval = time.Minute

	// debounceWindow coalesces bursts of same-trigger calls within this
	// window into a single generate() call per generator.
	debounceWindow = 250 * time.Millisecond
)

// trigger is one unit of rotation work submitted to the engine's worker.
type trigger struct {
	reason          string
	generators      []*Generator
	addressSupplier AddressSupplier
}

// Engine is the certificate rotation engine: it keeps three monitor sets
// (expiry, CIS-change, CA-change) and drives each Generator through its
// Generate method on the appropriate trigger, serialized through a single
// worker goroutine.
type Engine struct {
	mu          sync.Mutex
	expirySet   map[string]*Generator
	cisSet      map[string]*Generator
	caChangeSet map[string]*Generator

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	triggerCh chan trigger
	stopCh    chan struct{}

	expiryTickInterval time.Duration
}

// NewEngine builds an Engine subscribed to bus for CAChanged and
// ConnectivityChanged events.
func NewEngine(bus *events.Bus) *Engine {
	e := &Engine{
		expirySet:          make(map[string]*Generator),
		cisSet:             make(map[string]*Generator),
		caChangeSet:        make(map[string]*Generator),
		debounce:           make(map[string]*time.Timer),
		triggerCh:          make(chan trigger, 64),
		stopCh:             make(chan struct{}),
		expiryTickInterval: defaultExpiryTickInterval,
	}

	if bus != nil {
		bus.On(events.TypeCAChanged, func(events.Event) {
			e.onCAChanged()
		})
		bus.On(events.TypeConnectivityChanged, func(ev events.Event) {
			addresses, _ := ev.Metadata["addresses"].([]string)
			e.onConnectivityChanged(addresses)
		})
	}

	return e
}

// Register adds generator to the monitor sets it belongs to: server
// generators join all three, client generators join expiry and CA-change
// only.
func (e *Engine) Register(g *Generator) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Replacing a subscription revokes the prior generator's membership in
	// every monitor set.
	if prev, ok := e.caChangeSet[g.SubscriptionID]; ok {
		metrics.ActiveSubscriptionsTotal.WithLabelValues(string(prev.Role)).Dec()
		delete(e.cisSet, g.SubscriptionID)
	}

	e.expirySet[g.SubscriptionID] = g
	e.caChangeSet[g.SubscriptionID] = g
	if g.Role != types.SubscriptionRoleClient {
		e.cisSet[g.SubscriptionID] = g
	}
	metrics.ActiveSubscriptionsTotal.WithLabelValues(string(g.Role)).Inc()
}

// Unregister removes a generator from every monitor set, e.g. when its
// subscription ends.
func (e *Engine) Unregister(subscriptionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.caChangeSet[subscriptionID]; ok {
		metrics.ActiveSubscriptionsTotal.WithLabelValues(string(g.Role)).Dec()
	}
	delete(e.expirySet, subscriptionID)
	delete(e.cisSet, subscriptionID)
	delete(e.caChangeSet, subscriptionID)
}

// Start launches the expiry ticker and the serialized rotation worker.
func (e *Engine) Start() {
	go e.worker()
	go e.expiryLoop()
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) expiryLoop() {
	ticker := time.NewTicker(e.expiryTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.onExpiryTick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) onExpiryTick() {
	now := time.Now()
	e.mu.Lock()
	due := make([]*Generator, 0)
	for _, g := range e.expirySet {
		if g.ShouldRotate(now) {
			due = append(due, g)
		}
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return
	}
	e.submit(trigger{reason: "expiring", generators: due})
}

// onCAChanged handles the CA-change trigger: every registered
// generator regenerates, regardless of expiry.
func (e *Engine) onCAChanged() {
	e.mu.Lock()
	all := make([]*Generator, 0, len(e.caChangeSet))
	for _, g := range e.caChangeSet {
		all = append(all, g)
	}
	e.mu.Unlock()

	e.submitDebounced("ca changed", all, nil)
}

// onConnectivityChanged handles the connectivity-change trigger:
// only the connectivity set regenerates, with the new addresses supplied.
func (e *Engine) onConnectivityChanged(addresses []string) {
	e.mu.Lock()
	all := make([]*Generator, 0, len(e.cisSet))
	for _, g := range e.cisSet {
		all = append(all, g)
	}
	e.mu.Unlock()

	e.submitDebounced("connectivity changed", all, func() []string { return addresses })
}

// submitDebounced coalesces bursts of the same trigger reason within
// debounceWindow into a single submit call; the generators and address
// supplier of the latest call in the burst are the ones submitted.
func (e *Engine) submitDebounced(reason string, generators []*Generator, addressSupplier AddressSupplier) {
	if len(generators) == 0 {
		return
	}

	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if existing, ok := e.debounce[reason]; ok {
		existing.Stop()
	}
	e.debounce[reason] = time.AfterFunc(debounceWindow, func() {
		e.submit(trigger{reason: reason, generators: generators, addressSupplier: addressSupplier})
	})
}

func (e *Engine) submit(t trigger) {
	select {
	case e.triggerCh <- t:
	case <-e.stopCh:
	}
}

// worker drains triggerCh on its own goroutine, running each trigger's
// per-generator calls sequentially; triggers across triggerCh are
// serialized by virtue of a single worker goroutine.
func (e *Engine) worker() {
	for {
		select {
		case t := <-e.triggerCh:
			e.run(t)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) run(t trigger) {
	for _, g := range t.generators {
		if err := g.Generate(t.reason, t.addressSupplier); err != nil {
			log.WithSubscriptionID(g.SubscriptionID).Error().Err(err).Str("reason", t.reason).Msg("generator failed, continuing with remaining generators")
		}
	}
}
