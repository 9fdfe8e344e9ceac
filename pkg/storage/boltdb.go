package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/cda/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCA             = []byte("ca")
	bucketCertificates   = []byte("certificates")
	bucketClientCertPEMs = []byte("client_cert_pems")
	bucketThings         = []byte("things")
	bucketHostAddresses  = []byte("host_addresses")
)

const (
	caKey           = "ca"
	caPassphraseKey = "passphrase"
)

// BoltStore implements Store using go.etcd.io/bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store under
// dataDir and ensures every bucket this package uses exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cda.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCA,
			bucketCertificates,
			bucketClientCertPEMs,
			bucketThings,
			bucketHostAddresses,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- CA keystore ---

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte(caKey), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte(caKey))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		// BoltDB values are only valid for the lifetime of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) SaveCAPassphrase(passphrase string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte(caPassphraseKey), []byte(passphrase))
	})
}

func (s *BoltStore) GetCAPassphrase() (string, error) {
	var passphrase string
	err := s.db.View(func(tx *bolt.Tx) error {
		passphrase = string(tx.Bucket(bucketCA).Get([]byte(caPassphraseKey)))
		return nil
	})
	return passphrase, err
}

// --- Certificate registry ---

func (s *BoltStore) UpsertCertificateRecord(rec *types.CertificateRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCertificates).Put([]byte(rec.CertificateID), data)
	})
}

func (s *BoltStore) GetCertificateRecord(id string) (*types.CertificateRecord, error) {
	var rec types.CertificateRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCertificates).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *BoltStore) ListCertificateRecords() ([]*types.CertificateRecord, error) {
	var records []*types.CertificateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCertificates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.CertificateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) DeleteCertificateRecord(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Delete([]byte(id))
	})
}

// --- Client certificate PEM side store ---

func (s *BoltStore) SaveClientCertificatePEM(id string, pem []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClientCertPEMs).Put([]byte(id), pem)
	})
}

func (s *BoltStore) GetClientCertificatePEM(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClientCertPEMs).Get([]byte(id))
		if v == nil {
			return nil
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) DeleteClientCertificatePEM(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClientCertPEMs).Delete([]byte(id))
	})
}

// --- Thing registry ---

func (s *BoltStore) UpsertThing(thing *types.ThingRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(thing)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketThings).Put([]byte(thing.ThingName), data)
	})
}

func (s *BoltStore) GetThing(name string) (*types.ThingRecord, error) {
	var thing types.ThingRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketThings).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &thing)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &thing, nil
}

func (s *BoltStore) ListThings() ([]*types.ThingRecord, error) {
	var things []*types.ThingRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketThings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var thing types.ThingRecord
			if err := json.Unmarshal(v, &thing); err != nil {
				continue
			}
			things = append(things, &thing)
		}
		return nil
	})
	return things, err
}

func (s *BoltStore) DeleteThing(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThings).Delete([]byte(name))
	})
}

// --- Host addresses ---

func (s *BoltStore) SaveHostAddresses(source string, addresses []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostAddresses).Put([]byte(source), []byte(strings.Join(addresses, ",")))
	})
}

func (s *BoltStore) GetHostAddresses(source string) ([]string, error) {
	var addresses []string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHostAddresses).Get([]byte(source))
		if len(v) == 0 {
			return nil
		}
		addresses = strings.Split(string(v), ",")
		return nil
	})
	return addresses, err
}
