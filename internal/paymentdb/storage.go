package paymentdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"meganode/internal/ids"
	"meganode/internal/payments"
)

// Storage is the payment DB's persistence backend.
type Storage interface {
	LoadAll() ([]*payments.Payment, error)
	Save(p *payments.Payment) error
}

// Codec serializes a single payment's file contents.
type Codec interface {
	Marshal(p *payments.Payment) ([]byte, error)
	Unmarshal(data []byte) (*payments.Payment, error)
}

// FileStorage persists payments as one file per payment, named exactly
// by the payment's canonical PaymentIndex string, under the
// `payments/` directory of spec §6's storage layout.
type FileStorage struct {
	dir   string
	codec Codec
}

// NewFileStorage returns a FileStorage rooted at dir.
func NewFileStorage(dir string, codec Codec) *FileStorage {
	return &FileStorage{dir: dir, codec: codec}
}

// LoadAll implements spec §4.3's startup procedure: enumerate files,
// parse filenames as payment indexes, skip unrecognized ones, and
// deserialize the rest. Sorting and dedup are the caller's (DB.Load's)
// responsibility.
func (s *FileStorage) LoadAll() ([]*payments.Payment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("paymentdb: read dir %s: %w", s.dir, err)
	}

	var out []*payments.Payment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := ids.ParsePaymentIndex(entry.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("paymentdb: read %s: %w", entry.Name(), err)
		}
		p, err := s.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("paymentdb: unmarshal %s: %w", entry.Name(), err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Save writes p to its canonical-index-named file via a write-then-
// rename, so a crash mid-write never leaves a partially-written file
// at the final path.
func (s *FileStorage) Save(p *payments.Payment) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("paymentdb: mkdir %s: %w", s.dir, err)
	}
	data, err := s.codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("paymentdb: marshal %s: %w", p.Id, err)
	}
	path := filepath.Join(s.dir, p.Index().String())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("paymentdb: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("paymentdb: rename %s: %w", tmp, err)
	}
	return nil
}

// JSONCodec marshals payments as JSON; the client-side projection
// favors easy inspection over wire compactness.
type JSONCodec struct{}

func (JSONCodec) Marshal(p *payments.Payment) ([]byte, error) {
	return json.Marshal(p)
}

func (JSONCodec) Unmarshal(data []byte) (*payments.Payment, error) {
	var p payments.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
