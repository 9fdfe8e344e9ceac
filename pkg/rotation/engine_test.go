package rotation

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsGeneratorToExpectedMonitorSets(t *testing.T) {
	issuer, bus := newTestIssuer(t)
	engine := NewEngine(bus)

	clientGen := NewGenerator(issuer, "client-sub", types.SubscriptionRoleClient, time.Hour, newTestKey(t), nil, nil)
	serverGen := NewGenerator(issuer, "server-sub", types.SubscriptionRoleServer, time.Hour, newTestKey(t), nil, nil)

	engine.Register(clientGen)
	engine.Register(serverGen)

	_, clientInExpiry := engine.expirySet["client-sub"]
	_, clientInCIS := engine.cisSet["client-sub"]
	_, clientInCA := engine.caChangeSet["client-sub"]
	require.True(t, clientInExpiry)
	require.False(t, clientInCIS, "a client generator should not join the connectivity monitor set")
	require.True(t, clientInCA)

	_, serverInCIS := engine.cisSet["server-sub"]
	require.True(t, serverInCIS, "a server generator should join the connectivity monitor set")

	engine.Unregister("client-sub")
	_, stillThere := engine.expirySet["client-sub"]
	require.False(t, stillThere)
}

func TestOnCAChangedRegeneratesAllRegisteredGenerators(t *testing.T) {
	issuer, bus := newTestIssuer(t)
	engine := NewEngine(bus)

	var mu sync.Mutex
	calls := 0
	gen := NewGenerator(issuer, "sub-1", types.SubscriptionRoleClient, time.Hour, newTestKey(t), nil, func(CertificateUpdateEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	engine.Register(gen)
	engine.Start()
	t.Cleanup(engine.Stop)

	bus.Emit(events.Event{Type: events.TypeCAChanged})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnConnectivityChangedOnlyRegeneratesServerGenerators(t *testing.T) {
	issuer, bus := newTestIssuer(t)
	engine := NewEngine(bus)

	var mu sync.Mutex
	var clientCalls, serverCalls int
	clientGen := NewGenerator(issuer, "client-sub", types.SubscriptionRoleClient, time.Hour, newTestKey(t), nil, func(CertificateUpdateEvent) {
		mu.Lock()
		clientCalls++
		mu.Unlock()
	})
	serverGen := NewGenerator(issuer, "server-sub", types.SubscriptionRoleServer, time.Hour, newTestKey(t), nil, func(CertificateUpdateEvent) {
		mu.Lock()
		serverCalls++
		mu.Unlock()
	})
	engine.Register(clientGen)
	engine.Register(serverGen)
	engine.Start()
	t.Cleanup(engine.Stop)

	bus.Emit(events.Event{Type: events.TypeConnectivityChanged, Metadata: map[string]interface{}{"addresses": []string{"10.0.0.9"}}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return serverCalls == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, clientCalls, "connectivity changes should not trigger client-only generators")
}

func TestDebounceCoalescesBurstIntoSingleRun(t *testing.T) {
	issuer, bus := newTestIssuer(t)
	engine := NewEngine(bus)

	var mu sync.Mutex
	calls := 0
	gen := NewGenerator(issuer, "sub-1", types.SubscriptionRoleClient, time.Hour, newTestKey(t), nil, func(CertificateUpdateEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	engine.Register(gen)
	engine.Start()
	t.Cleanup(engine.Stop)

	for i := 0; i < 5; i++ {
		bus.Emit(events.Event{Type: events.TypeCAChanged})
	}

	time.Sleep(1 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "a burst of CA-changed events within the debounce window should coalesce to one generate call")
}
