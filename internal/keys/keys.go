// keys.go - Signing key generations and session credentials.
// Copyright (C) 2025  SilentRelay authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package keys implements the node's signing key generations, the
// scheduled rotation worker, and session credential issuance and
// verification.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/JaydenBeard/SilentRelay-sub005/core/worker"
	"github.com/JaydenBeard/SilentRelay-sub005/internal/audit"
)

const (
	secretSize     = 64
	macKeyInfo     = "silentrelay-frame-mac"
	historyBucket  = "rotations"
	claimDeviceKey = "dev"
)

var (
	// ErrInvalidCredential is returned when a session credential fails
	// verification against every key in the current snapshot.
	ErrInvalidCredential = errors.New("keys: invalid credential")

	// ErrCredentialExpired is returned for structurally valid but
	// expired session credentials.
	ErrCredentialExpired = errors.New("keys: credential expired")
)

// Generation is one signing key generation.  Generations are immutable
// once created.
type Generation struct {
	// ID names the generation, carried in credential headers.
	ID string

	// Secret is the credential signing secret.
	Secret []byte

	// MACKey is the frame MAC key derived from Secret.
	MACKey []byte

	// CreatedAt is the generation creation time.
	CreatedAt time.Time
}

// Snapshot is an immutable {current, previous} verifying set.  It is
// swapped atomically on rotation so concurrent verifiers never observe a
// half-updated set.  Previous is nil until the first rotation.
type Snapshot struct {
	Current  *Generation
	Previous *Generation
}

// SessionClaims are the verified contents of a bearer credential.
type SessionClaims struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

// Manager owns the key generations and the rotation schedule.
type Manager struct {
	worker.Worker

	log   *logging.Logger
	audit *audit.Log

	rotateLock sync.Mutex
	snapshot   atomic.Pointer[Snapshot]

	history *bolt.DB

	rotationInterval time.Duration
	sessionTTL       time.Duration
}

// Config tunes the Manager.
type Config struct {
	RotationInterval time.Duration
	SessionTTL       time.Duration

	// BootstrapSecret optionally seeds the initial generation, hex
	// encoded.  Empty means generate randomly.
	BootstrapSecret string

	// HistoryPath is the bolt backed rotation history.
	HistoryPath string
}

// New creates a Manager with an initial current generation.  Missing or
// invalid signing material is fatal, the caller aborts startup.
func New(cfg *Config, auditLog *audit.Log, log *logging.Logger) (*Manager, error) {
	db, err := bolt.Open(cfg.HistoryPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to open rotation history: %v", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	m := &Manager{
		log:              log,
		audit:            auditLog,
		history:          db,
		rotationInterval: cfg.RotationInterval,
		sessionTTL:       cfg.SessionTTL,
	}

	var initial *Generation
	if cfg.BootstrapSecret != "" {
		secret, err := hex.DecodeString(cfg.BootstrapSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("keys: malformed bootstrap secret: %v", err)
		}
		initial, err = newGenerationFromSecret(secret)
		if err != nil {
			db.Close()
			return nil, err
		}
	} else {
		initial, err = newGeneration()
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	m.snapshot.Store(&Snapshot{Current: initial})
	if err = m.appendHistory(initial); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// StartWorker starts the scheduled rotation loop.
func (m *Manager) StartWorker() {
	m.Go(m.rotationWorker)
}

// Shutdown halts the rotation worker and closes the history store.
func (m *Manager) Shutdown() {
	m.Halt()
	m.history.Close()
}

// CurrentSigningKey returns the generation used for issuing new
// credentials.
func (m *Manager) CurrentSigningKey() *Generation {
	return m.snapshot.Load().Current
}

// VerifyingKeys returns the immutable {current, previous} snapshot.
func (m *Manager) VerifyingKeys() *Snapshot {
	return m.snapshot.Load()
}

// Rotate replaces previous with the outgoing current and generates a
// fresh current generation.  Credentials signed only under the evicted
// generation become unverifiable.
func (m *Manager) Rotate() error {
	m.rotateLock.Lock()
	defer m.rotateLock.Unlock()

	next, err := newGeneration()
	if err != nil {
		return err
	}

	old := m.snapshot.Load()
	m.snapshot.Store(&Snapshot{
		Current:  next,
		Previous: old.Current,
	})

	if err = m.appendHistory(next); err != nil {
		m.log.Errorf("failed to append rotation history: %v", err)
	}
	m.log.Noticef("rotated signing keys: current=%s previous=%s", next.ID, old.Current.ID)
	m.audit.Security(audit.EventKeyRotation, audit.SeverityHigh, "",
		fmt.Sprintf("signing key rotated to generation %s", next.ID))
	return nil
}

func (m *Manager) rotationWorker() {
	t := time.NewTicker(m.rotationInterval)
	defer t.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-t.C:
			if err := m.Rotate(); err != nil {
				m.log.Errorf("scheduled rotation failed: %v", err)
			}
		}
	}
}

// MintSession issues a bearer credential for the given user and device,
// signed under the current generation.
func (m *Manager) MintSession(userID, deviceID uuid.UUID) (string, error) {
	gen := m.CurrentSigningKey()
	now := time.Now().UTC()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          userID.String(),
		claimDeviceKey: deviceID.String(),
		"iat":          now.Unix(),
		"exp":          now.Add(m.sessionTTL).Unix(),
	})
	tok.Header["kid"] = gen.ID
	return tok.SignedString(gen.Secret)
}

// VerifySession verifies a bearer credential against the snapshot.  A
// credential verifies if it was signed under either the current or the
// previous generation, giving a one-generation grace window across
// rotations.
func (m *Manager) VerifySession(token string) (*SessionClaims, error) {
	snap := m.VerifyingKeys()

	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("keys: unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if gen := snap.byID(kid); gen != nil {
			return gen.Secret, nil
		}
		return nil, ErrInvalidCredential
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, ErrInvalidCredential
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidCredential
	}
	sub, _ := claims["sub"].(string)
	dev, _ := claims[claimDeviceKey].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	deviceID, err := uuid.Parse(dev)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return &SessionClaims{UserID: userID, DeviceID: deviceID}, nil
}

// SignFrame computes the frame MAC over the canonical bytes under the
// current generation.
func (m *Manager) SignFrame(canonical []byte) []byte {
	return macSum(m.CurrentSigningKey().MACKey, canonical)
}

// VerifyFrame reports whether sig matches the canonical bytes under any
// generation in the snapshot.
func (m *Manager) VerifyFrame(canonical, sig []byte) bool {
	snap := m.VerifyingKeys()
	if hmac.Equal(sig, macSum(snap.Current.MACKey, canonical)) {
		return true
	}
	if snap.Previous != nil && hmac.Equal(sig, macSum(snap.Previous.MACKey, canonical)) {
		return true
	}
	return false
}

func (s *Snapshot) byID(id string) *Generation {
	if s.Current != nil && s.Current.ID == id {
		return s.Current
	}
	if s.Previous != nil && s.Previous.ID == id {
		return s.Previous
	}
	return nil
}

func macSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func newGeneration() (*Generation, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("keys: entropy source failure: %v", err)
	}
	return newGenerationFromSecret(secret)
}

func newGenerationFromSecret(secret []byte) (*Generation, error) {
	if len(secret) < 32 {
		return nil, errors.New("keys: signing secret must be at least 32 bytes")
	}

	macKey := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(macKeyInfo))
	if _, err := io.ReadFull(r, macKey); err != nil {
		return nil, err
	}

	// The generation ID is derived from the secret so every node seeded
	// with the same bootstrap secret agrees on the credential key ID.
	return &Generation{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, secret).String(),
		Secret:    secret,
		MACKey:    macKey,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type historyEntry struct {
	GenerationID string    `cbor:"generation_id"`
	CreatedAt    time.Time `cbor:"created_at"`
}

func (m *Manager) appendHistory(gen *Generation) error {
	return m.history.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(historyBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		raw, err := cbor.Marshal(historyEntry{
			GenerationID: gen.ID,
			CreatedAt:    gen.CreatedAt,
		})
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)
		return bkt.Put(k, raw)
	})
}

// HistoryLen returns the number of recorded rotations, for tests and
// operator tooling.
func (m *Manager) HistoryLen() (int, error) {
	n := 0
	err := m.history.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(historyBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
