// Package pki keeps the TLS server credentials and the trusted root as PEM
// files in one directory.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Kind names one stored PEM object.
type Kind string

const (
	ServerCert Kind = "server_cert"
	ServerKey  Kind = "server_key"
	RootCA     Kind = "root_ca"
)

var (
	ErrNotFound    = errors.New("pki: object not stored")
	ErrUnknownKind = errors.New("pki: unknown object kind")
	ErrInvalidPEM  = errors.New("pki: invalid PEM")
)

// Kinds lists every stored object.
var Kinds = []Kind{ServerCert, ServerKey, RootCA}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Store is a directory of PEM files with change notification.
type Store struct {
	dir     string
	changes chan Kind
	mu      sync.Mutex
}

// NewStore opens or creates the store directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create PKI directory: %w", err)
	}
	return &Store{dir: dir, changes: make(chan Kind, len(Kinds))}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(k Kind) string {
	return filepath.Join(s.dir, string(k)+".pem")
}

// Get returns the stored PEM for k.
func (s *Store) Get(k Kind) ([]byte, error) {
	if _, err := ParseKind(string(k)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(k))
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return data, nil
}

// Set validates and stores the PEM for k, then signals a change.
func (s *Store) Set(k Kind, data []byte) error {
	if _, err := ParseKind(string(k)); err != nil {
		return err
	}
	if err := Validate(k, data); err != nil {
		return err
	}

	s.mu.Lock()
	tmp := s.path(k) + ".tmp"
	err := os.WriteFile(tmp, data, 0o600)
	if err == nil {
		err = os.Rename(tmp, s.path(k))
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}

	log.WithFields(log.Fields{"kind": string(k), "bytes": len(data)}).Info("PKI object updated")
	select {
	case s.changes <- k:
	default:
	}
	return nil
}

// Changes delivers the kind of every stored update. Notifications are
// dropped while the channel is full.
func (s *Store) Changes() <-chan Kind { return s.changes }

// Certificate loads the server key pair.
func (s *Store) Certificate() (tls.Certificate, error) {
	certPEM, err := s.Get(ServerCert)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := s.Get(ServerKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load server key pair: %w", err)
	}
	return cert, nil
}

// Validate checks that data holds PEM blocks of the type expected for k.
func Validate(k Kind, data []byte) error {
	block, rest := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("%w: no PEM block in %s", ErrInvalidPEM, k)
	}
	switch k {
	case ServerCert, RootCA:
		for block != nil {
			if block.Type != "CERTIFICATE" {
				return fmt.Errorf("%w: %s holds %q", ErrInvalidPEM, k, block.Type)
			}
			if _, err := x509.ParseCertificate(block.Bytes); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPEM, k, err)
			}
			block, rest = pem.Decode(rest)
		}
	case ServerKey:
		switch block.Type {
		case "PRIVATE KEY":
			_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPEM, k, err)
			}
		case "EC PRIVATE KEY":
			if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPEM, k, err)
			}
		case "RSA PRIVATE KEY":
			if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPEM, k, err)
			}
		default:
			return fmt.Errorf("%w: %s holds %q", ErrInvalidPEM, k, block.Type)
		}
	}
	return nil
}
