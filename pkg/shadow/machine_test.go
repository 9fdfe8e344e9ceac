package shadow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/types"
)

type fakeCloud struct {
	addresses []string
	present   bool
	err       error
}

func (f *fakeCloud) GetCertificate(ctx context.Context, pem []byte) (types.CertificateStatus, error) {
	return types.CertificateStatusActive, nil
}
func (f *fakeCloud) IsThingAttachedToCertificate(ctx context.Context, thing, certID string) (bool, error) {
	return false, nil
}
func (f *fakeCloud) ListThingsAttachedToCore(ctx context.Context, pageSize int, pageToken string) ([]string, string, error) {
	return nil, "", nil
}
func (f *fakeCloud) GetConnectivityInfo(ctx context.Context, thing string) ([]string, bool, error) {
	return f.addresses, f.present, f.err
}
func (f *fakeCloud) PutCertificateAuthorities(ctx context.Context, thing string, pems [][]byte) error {
	return nil
}
func (f *fakeCloud) GetThingAttributes(ctx context.Context, thing string) (map[string]string, error) {
	return nil, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	reported   []map[string]interface{}
	publishErr error
}

func (f *fakeTransport) SubscribeDelta(ctx context.Context, onMessage func(Message)) error { return nil }
func (f *fakeTransport) SubscribeGetAccepted(ctx context.Context, onMessage func(Message)) error {
	return nil
}
func (f *fakeTransport) SubscribeGetRejected(ctx context.Context, onRejected func(error)) error {
	return nil
}
func (f *fakeTransport) PublishGet(ctx context.Context) error { return nil }
func (f *fakeTransport) PublishReported(ctx context.Context, desired map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.reported = append(f.reported, desired)
	return nil
}

func newTestMachine(t *testing.T, cloud cloudauth.Client) (*Machine, *fakeTransport, *events.Bus) {
	t.Helper()
	transport := &fakeTransport{}
	bus := events.NewBus(nil)
	pool := cloudauth.NewPool(4, 1)
	pool.Start()
	t.Cleanup(pool.Stop)

	m := NewMachine(transport, cloud, pool, bus, nil, "my-thing", time.Second)
	return m, transport, bus
}

func TestEnqueueCoalescesToNewestTask(t *testing.T) {
	m, _, _ := newTestMachine(t, &fakeCloud{present: false})

	m.queueMu.Lock()
	m.pending = nil
	m.queueMu.Unlock()

	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 1})
	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 3})
	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 2})

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.pending == nil || m.pending.ShadowVersion != 3 {
		t.Fatalf("expected the highest shadowVersion (3) to survive coalescing, got %+v", m.pending)
	}
}

func TestProcessTaskNotPresentPublishesReportedAndAdvances(t *testing.T) {
	m, transport, _ := newTestMachine(t, &fakeCloud{present: false})

	m.processTask(context.Background(), types.ShadowProcessingTask{ShadowVersion: 5, DesiredState: map[string]interface{}{"x": 1}})

	if m.LastProcessedVersion() != 5 {
		t.Fatalf("expected lastProcessedVersion 5, got %d", m.LastProcessedVersion())
	}
	if len(transport.reported) != 1 {
		t.Fatalf("expected exactly one publish of reported state, got %d", len(transport.reported))
	}
}

func TestProcessTaskUnchangedAddressesSkipsRotationTrigger(t *testing.T) {
	m, _, bus := newTestMachine(t, &fakeCloud{present: true, addresses: []string{"10.0.0.1"}})
	m.prevAddresses = []string{"10.0.0.1"}

	fired := false
	bus.On(events.TypeConnectivityChanged, func(events.Event) { fired = true })

	m.processTask(context.Background(), types.ShadowProcessingTask{ShadowVersion: 1})

	if fired {
		t.Fatal("unchanged addresses must not trigger a connectivity-changed event")
	}
}

func TestProcessTaskChangedAddressesFiresConnectivityChanged(t *testing.T) {
	m, _, bus := newTestMachine(t, &fakeCloud{present: true, addresses: []string{"10.0.0.2"}})
	m.prevAddresses = []string{"10.0.0.1"}

	var got []string
	bus.On(events.TypeConnectivityChanged, func(ev events.Event) {
		got = ev.Metadata["addresses"].([]string)
	})

	m.processTask(context.Background(), types.ShadowProcessingTask{ShadowVersion: 2})

	if len(got) != 1 || got[0] != "10.0.0.2" {
		t.Fatalf("expected connectivity-changed with new addresses, got %v", got)
	}
}

func TestProcessTaskTerminalLookupFailureLeavesVersionUnprocessed(t *testing.T) {
	m, transport, _ := newTestMachine(t, &fakeCloud{err: errors.New("denied")})

	m.processTask(context.Background(), types.ShadowProcessingTask{ShadowVersion: 1})

	if len(transport.reported) != 0 {
		t.Fatal("a failed connectivity lookup must not publish reported state")
	}
	if m.LastProcessedVersion() != 0 {
		t.Fatalf("a failed connectivity lookup must not advance the processed version, got %d", m.LastProcessedVersion())
	}

	// The same version is still eligible for reprocessing.
	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 1})
	m.queueMu.Lock()
	pending := m.pending
	m.queueMu.Unlock()
	if pending == nil || pending.ShadowVersion != 1 {
		t.Fatalf("an unprocessed version must be re-enqueueable, got %+v", pending)
	}
}

func TestWorkerDrainsEnqueuedTaskAndReturnsToIdle(t *testing.T) {
	m, transport, _ := newTestMachine(t, &fakeCloud{present: false})
	m.Start()
	defer m.Stop()

	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 7})

	deadline := time.After(2 * time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.reported)
		transport.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the worker to process the enqueued task")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if m.LastProcessedVersion() != 7 {
		t.Fatalf("expected version 7 to be recorded, got %d", m.LastProcessedVersion())
	}
}

func TestEnqueueDropsAlreadyProcessedVersion(t *testing.T) {
	m, _, _ := newTestMachine(t, &fakeCloud{present: false})

	m.processTask(context.Background(), types.ShadowProcessingTask{ShadowVersion: 4, CISVersion: "a"})

	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 4, CISVersion: "a"})
	m.queueMu.Lock()
	pending := m.pending
	m.queueMu.Unlock()
	if pending != nil {
		t.Fatalf("a re-seen (shadowVersion, cisVersion) must not be reprocessed, got %+v", pending)
	}

	m.enqueue(types.ShadowProcessingTask{ShadowVersion: 4, CISVersion: "b"})
	m.queueMu.Lock()
	pending = m.pending
	m.queueMu.Unlock()
	if pending == nil || pending.CISVersion != "b" {
		t.Fatalf("same shadowVersion with a different cisVersion counts as newer, got %+v", pending)
	}
}

func TestOnNetworkDownResetsToUnsubscribed(t *testing.T) {
	m, _, bus := newTestMachine(t, &fakeCloud{})
	m.setState(StateSubscribing)
	_, cancel := context.WithCancel(context.Background())
	m.cancelSubscribe = cancel

	bus.Emit(events.Event{Type: events.TypeNetworkDown})

	if m.State() != StateUnsubscribed {
		t.Fatalf("expected state Unsubscribed after network-down, got %v", m.State())
	}
}
