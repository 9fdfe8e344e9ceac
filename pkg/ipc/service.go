// Package ipc defines the downstream IPC surface: the four
// operations a host component calls into this module through, abstracted
// from any concrete transport (Non-goal: the IPC transport itself is out of
// scope).
package ipc

import (
	"context"
	"time"

	"github.com/cuemby/cda/pkg/policy"
	"github.com/cuemby/cda/pkg/rotation"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/types"
	"github.com/cuemby/cda/pkg/verify"
)

// Service is the downstream IPC surface.
type Service interface {
	// SubscribeToCertificateUpdates registers a new CertificateSubscription
	// for role and returns its Generator, already registered with the
	// rotation engine's monitor sets; an initial certificate is issued and
	// delivered to subscriber before this call returns.
	SubscribeToCertificateUpdates(subscriptionID string, role types.SubscriptionRole, subscriber rotation.Subscriber) (*rotation.Generator, error)

	// VerifyClientDeviceIdentity verifies a raw client certificate PEM
	// chain.
	VerifyClientDeviceIdentity(ctx context.Context, pemChain []byte) bool

	// GetClientDeviceAuthToken authenticates an MQTT credential set and
	// returns a session id.
	GetClientDeviceAuthToken(ctx context.Context, creds policy.Credentials) (sessionID string, err error)

	// AuthorizeClientDeviceAction evaluates an authorization request
	// against the session's applicable permissions.
	AuthorizeClientDeviceAction(sessionID, operation, resource string) bool
}

type service struct {
	engine          *rotation.Engine
	issuer          *security.Issuer
	pipeline        *verify.Pipeline
	sessions        *policy.SessionManager
	evaluator       *policy.Evaluator
	keyAlgorithm    types.KeyAlgorithm
	clientValidity  time.Duration
	serverValidity  time.Duration
	disableRotation bool
}

// NewService wires the rest of the module's components behind the Service
// interface. Each operation is a thin delegation into the component that
// owns the behavior.
func NewService(engine *rotation.Engine, issuer *security.Issuer, pipeline *verify.Pipeline, sessions *policy.SessionManager, evaluator *policy.Evaluator, keyAlgorithm types.KeyAlgorithm, clientValidity, serverValidity time.Duration, disableRotation bool) Service {
	return &service{
		engine:          engine,
		issuer:          issuer,
		pipeline:        pipeline,
		sessions:        sessions,
		evaluator:       evaluator,
		keyAlgorithm:    keyAlgorithm,
		clientValidity:  clientValidity,
		serverValidity:  serverValidity,
		disableRotation: disableRotation,
	}
}

func (s *service) SubscribeToCertificateUpdates(subscriptionID string, role types.SubscriptionRole, subscriber rotation.Subscriber) (*rotation.Generator, error) {
	privateKey, keyPEM, err := security.GenerateDeviceKey(s.keyAlgorithm)
	if err != nil {
		return nil, err
	}

	validity := s.clientValidity
	if role == types.SubscriptionRoleServer || role == types.SubscriptionRoleClientAndServer {
		validity = s.serverValidity
	}

	gen := rotation.NewGenerator(s.issuer, subscriptionID, role, validity, privateKey, keyPEM, subscriber)
	gen.DisableCertificateRotation = s.disableRotation
	s.engine.Register(gen)

	if err := gen.Generate("initial", nil); err != nil {
		s.engine.Unregister(subscriptionID)
		return nil, err
	}
	return gen, nil
}

func (s *service) VerifyClientDeviceIdentity(ctx context.Context, pemChain []byte) bool {
	return s.pipeline.VerifyClientCertificate(ctx, pemChain)
}

func (s *service) GetClientDeviceAuthToken(ctx context.Context, creds policy.Credentials) (string, error) {
	session, err := s.sessions.CreateSession(ctx, creds)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

func (s *service) AuthorizeClientDeviceAction(sessionID, operation, resource string) bool {
	return s.evaluator.Authorize(policy.Request{SessionID: sessionID, Operation: operation, Resource: resource})
}
