// Package registry keeps the identities and signed data records a node has
// learned about. Everything lives in memory; signatures are stored as given
// and not verified.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/internal/store"
)

var ErrUnknownOwner = errors.New("unknown identity")

type Identity struct {
	PublicKey string         `json:"public_key"`
	Signature string         `json:"signature"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

type DataRecord struct {
	Data      map[string]any `json:"data"`
	Owner     string         `json:"identity"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature"`
}

type Registry struct {
	identities *store.Local[Identity]
	records    *store.Local[DataRecord]
	log        *logrus.Entry
	now        func() time.Time
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		identities: store.NewLocal[Identity](),
		records:    store.NewLocal[DataRecord](),
		log:        logger.WithField("component", "registry"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// IdentityID is the hex SHA-256 of the public key string.
func IdentityID(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])
}

// Register records an identity and returns its id. Registering the same key
// again replaces the earlier entry.
func (r *Registry) Register(publicKey, signature string, metadata map[string]any) string {
	if metadata == nil {
		metadata = map[string]any{}
	}
	id := IdentityID(publicKey)
	r.identities.Store(id, Identity{
		PublicKey: publicKey,
		Signature: signature,
		Timestamp: r.now(),
		Metadata:  metadata,
	})
	r.log.WithField("identity", id).Debug("Registered identity")
	return id
}

func (r *Registry) Resolve(id string) (Identity, bool) {
	identity, err := r.identities.Retrieve(id)
	return identity, err == nil
}

// Identities returns the registered identity ids in sorted order.
func (r *Registry) Identities() []string {
	return r.identities.Keys()
}

// Store saves data on behalf of a registered identity. The returned id is
// derived from the data alone, so storing equal data twice yields the same
// id and the later record wins.
func (r *Registry) Store(ownerID string, data map[string]any, signature string) (string, error) {
	if !r.identities.Has(ownerID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	id, err := DataID(data)
	if err != nil {
		return "", err
	}
	r.records.Store(id, DataRecord{
		Data:      data,
		Owner:     ownerID,
		Timestamp: r.now(),
		Signature: signature,
	})
	r.log.WithFields(logrus.Fields{"identity": ownerID, "data": id}).Debug("Stored data record")
	return id, nil
}

func (r *Registry) ResolveData(id string) (DataRecord, bool) {
	record, err := r.records.Retrieve(id)
	return record, err == nil
}

// DataID hashes the canonical encoding of data. Map keys are encoded in
// sorted order at every level.
func DataID(data map[string]any) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
