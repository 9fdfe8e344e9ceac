// Package shadow implements the ConnectivityShadowMachine: a
// state machine that subscribes to a Thing's cloud shadow, serializes
// processing of shadow versions through a coalescing single-slot queue, and
// drives the CertificateRotationEngine's connectivity set whenever the
// reported connectivity addresses change.
package shadow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
)

// hostAddressSource is the key the machine persists its last-seen
// connectivity addresses under, so a restart starts from the previously
// reported view instead of rotating spuriously on the first shadow version.
const hostAddressSource = "cis"

// State is one of the machine's four states.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateIdle
	StateProcessingVersion
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Message is a parsed shadow document delivered by the transport, used for
// both `/delta` and `/get/accepted` payloads.
type Message struct {
	ShadowVersion int64
	CISVersion    string
	DesiredState  map[string]interface{}
}

// Transport abstracts the MQTT shadow topics so Machine never depends on a
// concrete MQTT client. onDelta and onGetAccepted are invoked with a parsed
// Message; onGetRejected is invoked with the rejection error. Each Subscribe
// call should register its handler and return once the subscribe ack (or
// failure) is known; Machine retries on failure.
type Transport interface {
	SubscribeDelta(ctx context.Context, onMessage func(Message)) error
	SubscribeGetAccepted(ctx context.Context, onMessage func(Message)) error
	SubscribeGetRejected(ctx context.Context, onRejected func(error)) error
	PublishGet(ctx context.Context) error
	PublishReported(ctx context.Context, desired map[string]interface{}) error
}

// Machine is the ConnectivityShadowMachine for a single Thing.
type Machine struct {
	transport Transport
	cloud     cloudauth.Client
	pool      *cloudauth.Pool
	bus       *events.Bus
	store     storage.Store
	thingName string

	mqttOperationTimeout time.Duration

	stateMu sync.Mutex
	state   State

	cancelSubscribe context.CancelFunc

	waitMu   sync.Mutex
	waitChan chan struct{}

	queueMu   sync.Mutex
	pending   *types.ShadowProcessingTask
	wake      chan struct{}

	lastMu               sync.Mutex
	lastProcessedVersion int64
	lastProcessedCIS     string
	hasProcessed         bool
	prevAddresses        []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMachine builds a Machine and registers it on bus for network up/down
// events. store may be nil; when present the last-seen addresses are loaded
// from it so a restart does not rotate on an unchanged address set. Call
// Start to launch its background worker.
func NewMachine(transport Transport, cloud cloudauth.Client, pool *cloudauth.Pool, bus *events.Bus, store storage.Store, thingName string, mqttOperationTimeout time.Duration) *Machine {
	m := &Machine{
		transport:            transport,
		cloud:                cloud,
		pool:                 pool,
		bus:                  bus,
		store:                store,
		thingName:            thingName,
		mqttOperationTimeout: mqttOperationTimeout,
		wake:                 make(chan struct{}, 1),
		stopCh:               make(chan struct{}),
	}
	if store != nil {
		if addrs, err := store.GetHostAddresses(hostAddressSource); err == nil {
			m.prevAddresses = addrs
		}
	}
	bus.On(events.TypeNetworkUp, m.onNetworkUp)
	bus.On(events.TypeNetworkDown, m.onNetworkDown)
	return m
}

// Start launches the queue-draining worker goroutine.
func (m *Machine) Start() {
	m.wg.Add(1)
	go m.worker()
}

// Stop halts the worker and any in-flight subscribe/get loop.
func (m *Machine) Stop() {
	m.stateMu.Lock()
	if m.cancelSubscribe != nil {
		m.cancelSubscribe()
	}
	m.stateMu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}

// State returns the machine's current state, mostly useful from tests.
func (m *Machine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Machine) onNetworkUp(events.Event) {
	m.stateMu.Lock()
	if m.state != StateUnsubscribed {
		m.stateMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelSubscribe = cancel
	m.state = StateSubscribing
	m.stateMu.Unlock()

	go m.subscribeAndGetLoop(ctx)
}

func (m *Machine) onNetworkDown(events.Event) {
	m.stateMu.Lock()
	if m.cancelSubscribe != nil {
		m.cancelSubscribe()
		m.cancelSubscribe = nil
	}
	m.state = StateUnsubscribed
	m.stateMu.Unlock()
}

// subscribeAndGetLoop handles the network-up transition: subscribe to
// the three shadow topics with indefinite exponential backoff, then publish
// a get and retry it indefinitely until a response arrives or the context
// is cancelled by network-down.
func (m *Machine) subscribeAndGetLoop(ctx context.Context) {
	if !m.retryUntilSuccess(ctx, func() error {
		return m.transport.SubscribeDelta(ctx, m.onDelta)
	}) {
		return
	}
	if !m.retryUntilSuccess(ctx, func() error {
		return m.transport.SubscribeGetAccepted(ctx, m.onGetAccepted)
	}) {
		return
	}
	if !m.retryUntilSuccess(ctx, func() error {
		return m.transport.SubscribeGetRejected(ctx, m.onGetRejected)
	}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		waitChan := make(chan struct{}, 1)
		m.waitMu.Lock()
		m.waitChan = waitChan
		m.waitMu.Unlock()

		if err := m.transport.PublishGet(ctx); err != nil {
			log.WithEventKey("shadow.publish_get_failed").Error().Err(err).Msg("retrying get publish")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffBase):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-waitChan:
			m.waitMu.Lock()
			m.waitChan = nil
			m.waitMu.Unlock()
			m.setState(StateIdle)
			return
		case <-time.After(m.mqttOperationTimeout + 5*time.Second):
			log.WithEventKey("shadow.get_timeout").Error().Msg("get timed out awaiting accepted/rejected, retrying")
		}
	}
}

// retryUntilSuccess calls fn with indefinite exponential backoff until it
// succeeds or ctx is cancelled, returning false in the latter case.
func (m *Machine) retryUntilSuccess(ctx context.Context, fn func() error) bool {
	for attempt := 0; ; attempt++ {
		if err := fn(); err == nil {
			return true
		} else {
			log.WithEventKey("shadow.subscribe_failed").Error().Err(err).Msg("retrying shadow subscribe")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(cloudauth.Backoff(attempt, backoffBase, backoffCap)):
		}
	}
}

func (m *Machine) signalResponse() {
	m.waitMu.Lock()
	if m.waitChan != nil {
		select {
		case m.waitChan <- struct{}{}:
		default:
		}
	}
	m.waitMu.Unlock()
}

func (m *Machine) onDelta(msg Message) {
	m.enqueue(types.ShadowProcessingTask{
		ShadowVersion: msg.ShadowVersion,
		CISVersion:    msg.CISVersion,
		DesiredState:  msg.DesiredState,
	})
}

func (m *Machine) onGetAccepted(msg Message) {
	m.enqueue(types.ShadowProcessingTask{
		ShadowVersion: msg.ShadowVersion,
		CISVersion:    msg.CISVersion,
		DesiredState:  msg.DesiredState,
	})
	m.signalResponse()
}

func (m *Machine) onGetRejected(err error) {
	log.WithEventKey("shadow.get_rejected").Error().Err(err).Msg("shadow get rejected")
	m.signalResponse()
}

// enqueue applies the coalescing queue discipline: a newer task
// replaces whatever is pending; an equal-or-older task is dropped, and a
// task whose (shadowVersion, cisVersion) has already been processed is
// dropped even when re-seen. If nothing is currently processing, the task
// becomes the new head immediately by waking the worker.
func (m *Machine) enqueue(task types.ShadowProcessingTask) {
	m.lastMu.Lock()
	alreadyProcessed := m.hasProcessed && !task.Newer(types.ShadowProcessingTask{
		ShadowVersion: m.lastProcessedVersion,
		CISVersion:    m.lastProcessedCIS,
	})
	m.lastMu.Unlock()
	if alreadyProcessed {
		return
	}

	m.queueMu.Lock()
	if m.pending == nil || task.Newer(*m.pending) {
		if m.pending != nil {
			metrics.ShadowTasksCoalescedTotal.Inc()
		}
		t := task
		m.pending = &t
	}
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// worker is the single shadow-queue consumer: it drains m.pending one task
// at a time, discarding anything that arrived mid-processing except the
// single most-recent replacement (enqueue already enforces that).
func (m *Machine) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wake:
		}

		for {
			m.queueMu.Lock()
			task := m.pending
			m.pending = nil
			m.queueMu.Unlock()

			if task == nil {
				break
			}

			m.setState(StateProcessingVersion)
			m.processTask(context.Background(), *task)
			m.setState(StateIdle)
		}
	}
}

// processTask processes one shadow version: snapshot addresses, fetch fresh
// connectivity info with retry, compare, trigger rotation on change, then
// publish reported=desired and advance the processed version. A failed
// lookup is a processing error: nothing is published and the version stays
// unprocessed, so the next delta or get can retry it.
func (m *Machine) processTask(ctx context.Context, task types.ShadowProcessingTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ShadowProcessingDuration)

	m.lastMu.Lock()
	prevAddresses := m.prevAddresses
	m.lastMu.Unlock()

	addresses, present, err := m.getConnectivityInfoWithRetry(ctx)
	if err != nil {
		log.WithEventKey("shadow.connectivity_lookup_failed").Error().Err(err).Msg("giving up on connectivity lookup, leaving version unprocessed")
		return
	}

	if present && !addressesEqual(addresses, prevAddresses) {
		m.lastMu.Lock()
		m.prevAddresses = addresses
		m.lastMu.Unlock()

		if m.store != nil {
			if err := m.store.SaveHostAddresses(hostAddressSource, addresses); err != nil {
				log.WithEventKey("shadow.save_addresses_failed").Error().Err(err).Msg("failed to persist host addresses")
			}
		}

		m.bus.Emit(events.Event{
			Type:     events.TypeConnectivityChanged,
			Metadata: map[string]interface{}{"addresses": addresses},
		})
	}

	m.finishTask(ctx, task)
}

// finishTask publishes reported=desired as the final processing step and
// advances the processed version. The version advances even when the
// publish fails, so the same desired state is not reprocessed.
func (m *Machine) finishTask(ctx context.Context, task types.ShadowProcessingTask) {
	if err := m.transport.PublishReported(ctx, task.DesiredState); err != nil {
		log.WithEventKey("shadow.publish_reported_failed").Error().Err(err).Msg("failed to publish reported state")
	} else {
		m.bus.Emit(events.Event{
			Type:     events.TypeShadowVersionApplied,
			Metadata: map[string]interface{}{"shadowVersion": task.ShadowVersion},
		})
	}
	m.advanceVersion(task.ShadowVersion, task.CISVersion)
}

func (m *Machine) getConnectivityInfoWithRetry(ctx context.Context) ([]string, bool, error) {
	for attempt := 0; ; attempt++ {
		var addresses []string
		var present bool
		callErr := m.pool.Submit(ctx, "get_connectivity_info", func(ctx context.Context) error {
			var err error
			addresses, present, err = m.cloud.GetConnectivityInfo(ctx, m.thingName)
			return err
		})
		if callErr == nil {
			return addresses, present, nil
		}
		if cloudauth.ClassifyError(callErr) == cloudauth.RetryNone {
			return nil, false, callErr
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(cloudauth.Backoff(attempt, backoffBase, backoffCap)):
		}
	}
}

func (m *Machine) advanceVersion(version int64, cisVersion string) {
	m.lastMu.Lock()
	m.lastProcessedVersion = version
	m.lastProcessedCIS = cisVersion
	m.hasProcessed = true
	m.lastMu.Unlock()
	metrics.ShadowLastProcessedVersion.Set(float64(version))
}

// LastProcessedVersion returns the most recently fully-processed shadow
// version, mostly useful from tests.
func (m *Machine) LastProcessedVersion() int64 {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastProcessedVersion
}

// addressesEqual compares two address sets irrespective of order, since the
// cloud gives no ordering guarantee across calls.
func addressesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
