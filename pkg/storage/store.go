package storage

import (
	"github.com/cuemby/cda/pkg/types"
)

// Store defines the persistence interface for the client device auth core's
// runtime state. It is implemented by BoltStore (go.etcd.io/bbolt) and kept
// to a small key/value shape so a host can substitute its own runtime store.
type Store interface {
	// Certificate Authority keystore (runtime.caPassphrase,
	// runtime.certificates.authorities)
	SaveCA(data []byte) error
	GetCA() ([]byte, error)
	SaveCAPassphrase(passphrase string) error
	GetCAPassphrase() (string, error)

	// Certificate registry (runtime.certificates.byId.<id>)
	UpsertCertificateRecord(rec *types.CertificateRecord) error
	GetCertificateRecord(id string) (*types.CertificateRecord, error)
	ListCertificateRecords() ([]*types.CertificateRecord, error)
	DeleteCertificateRecord(id string) error

	// Client certificate PEM side store, keyed by certificateId
	SaveClientCertificatePEM(id string, pem []byte) error
	GetClientCertificatePEM(id string) ([]byte, error)
	DeleteClientCertificatePEM(id string) error

	// Thing registry (runtime.things.<name>)
	UpsertThing(thing *types.ThingRecord) error
	GetThing(name string) (*types.ThingRecord, error)
	ListThings() ([]*types.ThingRecord, error)
	DeleteThing(name string) error

	// Host addresses (runtime.hostAddresses.<source>)
	SaveHostAddresses(source string, addresses []string) error
	GetHostAddresses(source string) ([]string, error)

	Close() error
}
