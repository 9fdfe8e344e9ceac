// Package core is the top-level orchestrator: it owns construction,
// Bootstrap, and Shutdown of every subsystem this module wires together —
// CA store, storage, events, rotation, shadow, identity, refresh, and
// policy.
package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/config"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/ipc"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/network"
	"github.com/cuemby/cda/pkg/policy"
	"github.com/cuemby/cda/pkg/refresh"
	"github.com/cuemby/cda/pkg/rotation"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/security/keyprovider"
	"github.com/cuemby/cda/pkg/shadow"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
	"github.com/cuemby/cda/pkg/verify"
)

// Config holds the inputs needed to construct a Core: the data directory for
// persisted state and the parsed options from pkg/config.
type Config struct {
	DataDir      string
	Options      *config.Config
	ThingName    string
	Cloud        cloudauth.Client
	ShadowClient shadow.Transport
}

// Core wires every subsystem and exposes them for the host to drive.
type Core struct {
	thingName string
	cloud     cloudauth.Client
	store     storage.Store
	bus       *events.Bus
	caStore   *security.CAStore
	issuer    *security.Issuer
	registry  *identity.Registry
	pool      *cloudauth.Pool
	pipeline  *verify.Pipeline
	engine    *rotation.Engine
	refresh   *refresh.Job
	network   *network.Provider
	shadow    *shadow.Machine
	sessions  *policy.SessionManager
	evaluator *policy.Evaluator
	groups    *policy.GroupManager
	Service   ipc.Service

	options *config.Config
}

// New constructs a Core: creates the data directory, opens storage, loads or
// creates the CA, and wires every component together. It does not start any
// background goroutines; call Bootstrap for that.
func New(cfg Config) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	opts := cfg.Options
	if opts == nil {
		opts = config.Default()
	}

	bus := events.NewBus(func(t events.Type, r any) {
		log.WithEventKey(string(t)).Error().Msgf("event handler panicked: %v", r)
	})

	caStore := security.NewCAStore(store, bus)
	ca, err := loadCA(caStore, store, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate authority: %w", err)
	}
	if ca.Kind == types.CAKindManaged && ca.Passphrase != "" {
		if err := store.SaveCAPassphrase(ca.Passphrase); err != nil {
			return nil, fmt.Errorf("failed to persist CA passphrase: %w", err)
		}
	}

	issuer := security.NewIssuer(caStore)

	registry, err := identity.NewRegistry(store, bus, opts.Security.TrustDuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create identity registry: %w", err)
	}

	pool := cloudauth.NewPool(opts.Performance.CloudRequestQueueSize, opts.Performance.MaxConcurrentCloudRequests)

	pipeline := verify.NewPipeline(caStore, registry, cfg.Cloud, pool)
	engine := rotation.NewEngine(bus)

	netProvider := network.NewProvider(bus)

	refreshJob := refresh.NewJob(registry, cfg.Cloud, pool, pipeline, netProvider)

	var shadowMachine *shadow.Machine
	if cfg.ShadowClient != nil {
		shadowMachine = shadow.NewMachine(cfg.ShadowClient, cfg.Cloud, pool, bus, store, cfg.ThingName, 10*time.Second)
	}

	sessions := policy.NewSessionManager(pipeline, cfg.Cloud, pool, opts.Performance.MaxActiveAuthTokens)
	groups := policy.NewGroupManager(opts.GroupDefinitions())
	evaluator := policy.NewEvaluator(sessions, groups)

	// Subscription key pairs are device-local and independent of the CA's
	// algorithm; 4096-bit RSA is the default.
	service := ipc.NewService(engine, issuer, pipeline, sessions, evaluator, types.KeyAlgorithmRSA4096,
		opts.Certificates.ClientValidity(), opts.Certificates.ServerValidity(),
		opts.Certificates.DisableCertificateRotation)

	c := &Core{
		thingName: cfg.ThingName,
		cloud:     cfg.Cloud,
		store:     store,
		bus:       bus,
		caStore:   caStore,
		issuer:    issuer,
		registry:  registry,
		pool:      pool,
		pipeline:  pipeline,
		engine:    engine,
		refresh:   refreshJob,
		network:   netProvider,
		shadow:    shadowMachine,
		sessions:  sessions,
		evaluator: evaluator,
		groups:    groups,
		Service:   service,
		options:   opts,
	}

	if c.cloud != nil && c.thingName != "" {
		bus.On(events.TypeCAChanged, func(events.Event) {
			go c.uploadCAAuthorities()
		})
	}

	return c, nil
}

// uploadCAAuthorities publishes the active CA's root certificate to the
// cloud registry so it can recognize device certificates issued under this
// core's authority. Only the root of the chain travels; intermediates are
// delivered with each issued leaf.
func (c *Core) uploadCAAuthorities() {
	pems, err := c.caStore.CACertificates()
	if err != nil || len(pems) == 0 {
		return
	}
	root := pems[len(pems)-1]

	err = c.pool.Submit(context.Background(), "put_certificate_authorities", func(ctx context.Context) error {
		return c.cloud.PutCertificateAuthorities(ctx, c.thingName, [][]byte{root})
	})
	if err != nil {
		log.WithEventKey("core.ca_upload_failed").Error().Err(err).Msg("failed to upload certificate authorities")
	}
}

func loadCA(caStore *security.CAStore, store storage.Store, opts *config.Config) (*types.CertificateAuthority, error) {
	algorithm := types.KeyAlgorithmRSA2048
	if opts.CertificateAuthority.CAType == "ECDSA_P256" {
		algorithm = types.KeyAlgorithmECDSAP256
	}

	if opts.CertificateAuthority.Custom() {
		registry := keyprovider.NewDefaultRegistry("")
		certURI := opts.CertificateAuthority.CertificateURI
		if opts.CertificateAuthority.CertificateChainURI != "" {
			certURI = opts.CertificateAuthority.CertificateChainURI
		}
		return caStore.LoadCustom(registry, opts.CertificateAuthority.PrivateKeyURI, certURI)
	}

	passphrase, err := store.GetCAPassphrase()
	if err != nil {
		passphrase = ""
	}
	return caStore.LoadOrCreateManaged(passphrase, algorithm)
}

// Bootstrap starts every background goroutine: the cloud-call pool workers,
// the rotation engine's expiry ticker and worker, and background refresh.
// The active CA's authorities are uploaded once the pool is running; later
// CA swaps re-upload via the CAChanged handler.
func (c *Core) Bootstrap() error {
	c.pool.Start()
	c.engine.Start()
	c.refresh.Start()
	if c.shadow != nil {
		c.shadow.Start()
	}
	if c.cloud != nil && c.thingName != "" {
		go c.uploadCAAuthorities()
	}

	metrics.RegisterComponent("ca", c.caStore.Current() != nil, "")
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("rotation", true, "")
	return nil
}

// Shutdown drains and stops every background goroutine in reverse order of
// startup, then closes the store.
func (c *Core) Shutdown() error {
	if c.shadow != nil {
		c.shadow.Stop()
	}
	c.refresh.Stop()
	c.engine.Stop()
	c.pool.Stop()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// NetworkProvider returns the Core's NetworkStateProvider, so a host's MQTT
// client wrapper can report connection transitions into it.
func (c *Core) NetworkProvider() *network.Provider {
	return c.network
}

// EventBus returns the Core's event bus, mostly for host-level observers.
func (c *Core) EventBus() *events.Bus {
	return c.bus
}

// CAStore returns the Core's certificate authority store, used by the `ca
// status`/`ca init` CLI subcommands.
func (c *Core) CAStore() *security.CAStore {
	return c.caStore
}

// Issuer returns the Core's CertificateIssuer.
func (c *Core) Issuer() *security.Issuer {
	return c.issuer
}
