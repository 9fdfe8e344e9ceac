package policy

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/cloudauth"
	"github.com/cuemby/cda/pkg/identity"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/types"
	"github.com/cuemby/cda/pkg/verify"
	"github.com/google/uuid"
)

// Credentials is the authenticated MQTT credential set a Session is built
// from.
type Credentials struct {
	ClientID       string
	Username       string
	Password       string
	CertificatePEM []byte
}

// SessionManager creates and tracks Sessions from authenticated credential
// sets. Session IDs are random UUIDs. At most maxSessions sessions are
// tracked at once (performance.maxActiveAuthTokens); creating one past the
// cap evicts the oldest.
type SessionManager struct {
	pipeline *verify.Pipeline
	cloud    cloudauth.Client
	pool     *cloudauth.Pool

	maxSessions int

	mu       sync.Mutex
	sessions map[string]*types.Session
}

// NewSessionManager builds a SessionManager. maxSessions <= 0 means
// unlimited.
func NewSessionManager(pipeline *verify.Pipeline, cloud cloudauth.Client, pool *cloudauth.Pool, maxSessions int) *SessionManager {
	return &SessionManager{
		pipeline:    pipeline,
		cloud:       cloud,
		pool:        pool,
		maxSessions: maxSessions,
		sessions:    make(map[string]*types.Session),
	}
}

// CreateSession builds a Session from an authenticated credential set: the
// leaf PEM is classified as a Greengrass component certificate (local CA
// verifiable) or a device certificate, the thing attributes are populated
// from the cloud when a Thing name is known, and the result is tracked
// under a fresh session id.
func (m *SessionManager) CreateSession(ctx context.Context, creds Credentials) (*types.Session, error) {
	if len(creds.CertificatePEM) == 0 {
		return nil, cdaerrors.InvalidSession("policy.missing_certificate", nil)
	}

	if !m.pipeline.VerifyClientCertificate(ctx, creds.CertificatePEM) {
		return nil, cdaerrors.InvalidSession("policy.certificate_not_verified", nil)
	}

	certID := identity.CertificateID(creds.CertificatePEM)
	isComponent := m.pipeline.IsLocallyIssued(creds.CertificatePEM)

	attrs := map[string]map[string]string{
		"CertificateId": {"CertificateId": certID},
	}
	if isComponent {
		attrs["Component"] = map[string]string{"Component": "true"}
	}

	if creds.ClientID != "" && m.pipeline.VerifyThingAttachedToCertificate(ctx, creds.ClientID, certID) {
		thingAttrs := map[string]string{"ThingName": creds.ClientID}
		if m.cloud != nil && m.pool != nil {
			var cloudAttrs map[string]string
			_ = m.pool.Submit(ctx, "get_thing_attributes", func(ctx context.Context) error {
				var err error
				cloudAttrs, err = m.cloud.GetThingAttributes(ctx, creds.ClientID)
				return err
			})
			for k, v := range cloudAttrs {
				thingAttrs[k] = v
			}
		}
		attrs["Thing"] = thingAttrs
	}

	session := &types.Session{
		ID:         uuid.NewString(),
		Attributes: attrs,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.evictOldestLocked()
	}
	m.sessions[session.ID] = session
	metrics.SessionsActiveTotal.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	return session, nil
}

func (m *SessionManager) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, s := range m.sessions {
		if oldestID == "" || s.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, s.CreatedAt
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
	}
}

// Get returns a tracked session by id, including the ALLOW_ALL pseudo
// session which is synthesized on demand rather than stored.
func (m *SessionManager) Get(id string) (*types.Session, bool) {
	if id == types.AllowAllSessionID {
		return &types.Session{ID: types.AllowAllSessionID}, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a tracked session, e.g. on disconnect.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	metrics.SessionsActiveTotal.Set(float64(len(m.sessions)))
}
