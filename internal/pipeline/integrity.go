package pipeline

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/oktsec/riskgate/internal/keys"
)

// IntegrityRecord is the stored proof for one processed payload.
type IntegrityRecord struct {
	Tag       string    `json:"tag"`
	Pipeline  string    `json:"pipeline"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

type integrityStore struct {
	mu      sync.RWMutex
	records map[string]IntegrityRecord
}

func newIntegrityStore() *integrityStore {
	return &integrityStore{records: make(map[string]IntegrityRecord)}
}

func (s *integrityStore) put(r IntegrityRecord) {
	s.mu.Lock()
	s.records[r.Tag] = r
	s.mu.Unlock()
}

func (s *integrityStore) get(tag string) (IntegrityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[tag]
	return r, ok
}

func (s *integrityStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// purge removes records for which expired returns true.
func (s *integrityStore) purge(expired func(IntegrityRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tag, r := range s.records {
		if expired(r) {
			delete(s.records, tag)
			n++
		}
	}
	return n
}

// canonicalJSON encodes v with sorted object keys and no HTML escaping, so
// equal payloads always hash equally.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Tag returns the hex BLAKE2b-256 digest of body.
func Tag(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func signedMessage(pipeline, tag string) []byte {
	return []byte(pipeline + ":" + tag)
}

// VerifyIntegrity recomputes the tag of payload and checks it against the
// stored record and its attestation signature.
func (p *Processor) VerifyIntegrity(tag string, payload map[string]any) error {
	rec, ok := p.integrity.get(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	body, err := canonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(Tag(body)), []byte(tag)) != 1 {
		return ErrIntegrityMismatch
	}
	if err := keys.Verify(p.keys.Attestor().PublicKey, signedMessage(rec.Pipeline, rec.Tag), rec.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	return nil
}

// IntegrityRecord returns the stored record for tag.
func (p *Processor) IntegrityRecord(tag string) (IntegrityRecord, bool) {
	return p.integrity.get(tag)
}

// PurgeExpired drops integrity records older than their pipeline's
// retention. Pipelines without a retention keep records forever.
func (p *Processor) PurgeExpired(now time.Time) int {
	n := p.integrity.purge(func(r IntegrityRecord) bool {
		pl, ok := p.pipelines[r.Pipeline]
		if !ok || pl.cfg.Retention <= 0 {
			return false
		}
		return now.Sub(r.CreatedAt) > pl.cfg.Retention
	})
	if n > 0 {
		p.logger.Info("purged expired integrity records", "count", n)
	}
	return n
}
