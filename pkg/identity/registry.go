// Package identity implements the in-memory identity registry:
// a certificate registry and a Thing registry, each single-writer/multi-reader
// behind a per-entity lock, backed by storage.Store for durability.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/events"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/storage"
	"github.com/cuemby/cda/pkg/types"
)

var thingNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)

// CertificateID computes the deterministic identifier of a PEM blob:
// lowercase hex SHA-256 of the PEM bytes.
func CertificateID(pem []byte) string {
	sum := sha256.Sum256(pem)
	return hex.EncodeToString(sum[:])
}

// Registry is the identity registry: two sub-registries (certificates,
// things) plus the ClientCertificateStore side store, all write-through to
// storage.Store.
type Registry struct {
	store storage.Store
	bus   *events.Bus

	trustDuration time.Duration

	certMu sync.RWMutex
	certs  map[string]*types.CertificateRecord

	thingMu sync.RWMutex
	things  map[string]*types.ThingRecord
}

// NewRegistry loads the registry from store and wires emitted events to bus.
// trustDuration is security.clientDeviceTrustDurationMinutes, converted
// to a duration; zero disables trust caching entirely (every read requires a
// fresh verification).
func NewRegistry(store storage.Store, bus *events.Bus, trustDuration time.Duration) (*Registry, error) {
	r := &Registry{
		store:         store,
		bus:           bus,
		trustDuration: trustDuration,
		certs:         make(map[string]*types.CertificateRecord),
		things:        make(map[string]*types.ThingRecord),
	}

	records, err := store.ListCertificateRecords()
	if err != nil {
		return nil, cdaerrors.InvalidConfiguration("identity.load_certs", err)
	}
	for _, rec := range records {
		r.certs[rec.CertificateID] = rec
	}

	things, err := store.ListThings()
	if err != nil {
		return nil, cdaerrors.InvalidConfiguration("identity.load_things", err)
	}
	for _, th := range things {
		r.things[th.ThingName] = th
	}

	r.refreshGauges()
	return r, nil
}

func (r *Registry) refreshGauges() {
	r.certMu.RLock()
	certCount := len(r.certs)
	r.certMu.RUnlock()

	r.thingMu.RLock()
	thingCount := len(r.things)
	r.thingMu.RUnlock()

	metrics.IdentityRegistryCertificatesTotal.Set(float64(certCount))
	metrics.IdentityRegistryThingsTotal.Set(float64(thingCount))
}

// GetOrCreateCertificate canonicalizes
// pem to its certificateId and upserts a record for it if none exists yet.
func (r *Registry) GetOrCreateCertificate(pem []byte) (*types.CertificateRecord, error) {
	id := CertificateID(pem)

	r.certMu.Lock()
	defer r.certMu.Unlock()

	if rec, ok := r.certs[id]; ok {
		return rec, nil
	}

	rec := &types.CertificateRecord{
		CertificateID:     id,
		Status:            types.CertificateStatusUnknown,
		StatusLastUpdated: time.Now(),
	}
	if err := r.store.UpsertCertificateRecord(rec); err != nil {
		return nil, cdaerrors.InvalidConfiguration("identity.upsert_cert", err)
	}
	r.certs[id] = rec
	r.refreshGauges()
	return rec, nil
}

// UpdateCertificateStatus is last-writer-wins
// by lastUpdated — a call with an older timestamp than what's stored is
// dropped.
func (r *Registry) UpdateCertificateStatus(id string, status types.CertificateStatus, lastUpdated time.Time) error {
	r.certMu.Lock()
	defer r.certMu.Unlock()

	existing, ok := r.certs[id]
	if ok && lastUpdated.Before(existing.StatusLastUpdated) {
		return nil
	}

	rec := &types.CertificateRecord{
		CertificateID:     id,
		Status:            status,
		StatusLastUpdated: lastUpdated,
	}
	if err := r.store.UpsertCertificateRecord(rec); err != nil {
		return cdaerrors.InvalidConfiguration("identity.update_status", err)
	}
	r.certs[id] = rec
	return nil
}

// GetCertificate returns the record only if its
// status is ACTIVE and it is within trustDuration of now; otherwise it
// returns (nil, false) regardless of what is actually stored, without
// mutating persisted state (design note: trustDuration == 0 disables the
// cache outright, every caller observes a miss).
func (r *Registry) GetCertificate(pem []byte) (*types.CertificateRecord, bool) {
	if r.trustDuration <= 0 {
		return nil, false
	}

	id := CertificateID(pem)
	r.certMu.RLock()
	defer r.certMu.RUnlock()

	rec, ok := r.certs[id]
	if !ok || rec.Status != types.CertificateStatusActive {
		return nil, false
	}
	if time.Since(rec.StatusLastUpdated) > r.trustDuration {
		return nil, false
	}
	return rec, true
}

// DeleteCertificate removes the record and its
// stored PEM from the client-certificate side store.
func (r *Registry) DeleteCertificate(id string) error {
	r.certMu.Lock()
	defer r.certMu.Unlock()

	delete(r.certs, id)
	if err := r.store.DeleteCertificateRecord(id); err != nil {
		return cdaerrors.InvalidConfiguration("identity.delete_cert", err)
	}
	if err := r.store.DeleteClientCertificatePEM(id); err != nil {
		return cdaerrors.InvalidConfiguration("identity.delete_cert_pem", err)
	}
	r.refreshGauges()
	return nil
}

// SavePEM persists the original PEM for a certificateId to the
// ClientCertificateStore side store, so offline authentication can return it
// on request.
func (r *Registry) SavePEM(id string, pem []byte) error {
	return r.store.SaveClientCertificatePEM(id, pem)
}

// PEM returns the stored PEM for a certificateId, if any.
func (r *Registry) PEM(id string) ([]byte, error) {
	return r.store.GetClientCertificatePEM(id)
}

// ValidateThingName checks the naming pattern.
func ValidateThingName(name string) error {
	if name == "" || !thingNamePattern.MatchString(name) {
		return fmt.Errorf("invalid thing name %q", name)
	}
	return nil
}

// GetOrCreateThing validates the name
// pattern and returns the existing or newly created record, plus whether it
// was created by this call.
func (r *Registry) GetOrCreateThing(name string) (*types.ThingRecord, bool, error) {
	if err := ValidateThingName(name); err != nil {
		return nil, false, cdaerrors.InvalidConfiguration("identity.invalid_thing_name", err)
	}

	r.thingMu.Lock()
	defer r.thingMu.Unlock()

	if th, ok := r.things[name]; ok {
		return th, false, nil
	}

	th := &types.ThingRecord{ThingName: name, Certificates: make(map[string]time.Time)}
	if err := r.store.UpsertThing(th); err != nil {
		return nil, false, cdaerrors.InvalidConfiguration("identity.create_thing", err)
	}
	r.things[name] = th
	r.refreshGauges()
	return th, true, nil
}

// UpdateThing is a no-op if the incoming value
// is identical to what's stored, otherwise replaces the attachment map and
// emits ThingUpdated.
func (r *Registry) UpdateThing(thing *types.ThingRecord) error {
	r.thingMu.Lock()
	existing, ok := r.things[thing.ThingName]
	if ok && thingsEqual(existing, thing) {
		r.thingMu.Unlock()
		return nil
	}

	if err := r.store.UpsertThing(thing); err != nil {
		r.thingMu.Unlock()
		return cdaerrors.InvalidConfiguration("identity.update_thing", err)
	}
	r.things[thing.ThingName] = thing
	r.thingMu.Unlock()

	if r.bus != nil {
		r.bus.Emit(events.Event{
			Type:     events.TypeThingUpdated,
			Message:  thing.ThingName,
			Metadata: map[string]interface{}{"thing_name": thing.ThingName},
		})
	}
	return nil
}

func thingsEqual(a, b *types.ThingRecord) bool {
	if a.ThingName != b.ThingName || len(a.Certificates) != len(b.Certificates) {
		return false
	}
	for id, at := range a.Certificates {
		otherAt, ok := b.Certificates[id]
		if !ok || !at.Equal(otherAt) {
			return false
		}
	}
	return true
}

// IsThingAttachedWithinTrust reports whether certID is attached to name in
// the local attachment map and that attachment is still within the trust
// window.
func (r *Registry) IsThingAttachedWithinTrust(name, certID string) bool {
	if r.trustDuration <= 0 {
		return false
	}

	r.thingMu.RLock()
	defer r.thingMu.RUnlock()

	th, ok := r.things[name]
	if !ok {
		return false
	}
	attachedAt, attached := th.Certificates[certID]
	if !attached {
		return false
	}
	return time.Since(attachedAt) <= r.trustDuration
}

// Attach records a Thing-to-certificate attachment; idempotent.
func (r *Registry) Attach(name, certID string, at time.Time) error {
	r.thingMu.Lock()
	defer r.thingMu.Unlock()

	th, ok := r.things[name]
	if !ok {
		th = &types.ThingRecord{ThingName: name, Certificates: make(map[string]time.Time)}
		r.things[name] = th
	}
	th.Certificates[certID] = at
	if err := r.store.UpsertThing(th); err != nil {
		return cdaerrors.InvalidConfiguration("identity.attach", err)
	}
	return nil
}

// Detach removes a Thing-to-certificate attachment; idempotent.
func (r *Registry) Detach(name, certID string) error {
	r.thingMu.Lock()
	defer r.thingMu.Unlock()

	th, ok := r.things[name]
	if !ok {
		return nil
	}
	delete(th.Certificates, certID)
	if err := r.store.UpsertThing(th); err != nil {
		return cdaerrors.InvalidConfiguration("identity.detach", err)
	}
	return nil
}

// GetThing returns a Thing by name, if registered.
func (r *Registry) GetThing(name string) (*types.ThingRecord, bool) {
	r.thingMu.RLock()
	defer r.thingMu.RUnlock()
	th, ok := r.things[name]
	return th, ok
}

// AllThings returns a snapshot of every registered Thing.
func (r *Registry) AllThings() []*types.ThingRecord {
	r.thingMu.RLock()
	defer r.thingMu.RUnlock()
	out := make([]*types.ThingRecord, 0, len(r.things))
	for _, th := range r.things {
		out = append(out, th)
	}
	return out
}

// AllCertificates returns a snapshot of every registered certificate record.
func (r *Registry) AllCertificates() []*types.CertificateRecord {
	r.certMu.RLock()
	defer r.certMu.RUnlock()
	out := make([]*types.CertificateRecord, 0, len(r.certs))
	for _, rec := range r.certs {
		out = append(out, rec)
	}
	return out
}

// DeleteThing removes a Thing record.
func (r *Registry) DeleteThing(name string) error {
	r.thingMu.Lock()
	defer r.thingMu.Unlock()
	delete(r.things, name)
	if err := r.store.DeleteThing(name); err != nil {
		return cdaerrors.InvalidConfiguration("identity.delete_thing", err)
	}
	r.refreshGauges()
	return nil
}
