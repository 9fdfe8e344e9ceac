/*
Package storage provides BoltDB-backed persistence for the client device
auth core's runtime state: the CA keystore, the certificate and Thing
registries, the client-certificate PEM side store, and per-source host
address lists.

BoltDB (go.etcd.io/bbolt) gives embedded, transactional, single-file storage
with no external dependency. Each entity
lives in its own bucket, keyed by its natural id (certificateId, thing name,
the fixed "ca" and "passphrase" keys, or an address source name); values are
JSON except for the CA keystore, the CA passphrase and the PEM side store,
which hold raw bytes, and host address lists, which are stored
comma-separated.

Store is the interface consumed by every other package in this module;
BoltStore is its only implementation. Tests construct a BoltStore against an
os.MkdirTemp directory and defer store.Close().
*/
package storage
