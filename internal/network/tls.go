package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/pki"
	"evse-controller/internal/stats"
)

// ErrNoCertificate is returned to TLS handshakes while no key pair is loaded.
var ErrNoCertificate = errors.New("no server certificate loaded")

// CertSource provides the server key pair and announces updates.
type CertSource interface {
	Certificate() (tls.Certificate, error)
	Changes() <-chan pki.Kind
}

// CertReloader holds the current server certificate and reloads it when
// the PKI store changes. Ready reports whether a key pair is loaded.
type CertReloader struct {
	src   CertSource
	stats *stats.Collector
	mu    sync.RWMutex
	cert  *tls.Certificate
}

// NewCertReloader loads the initial key pair. A missing pair is not an
// error; the listener stays not ready until one is stored.
func NewCertReloader(src CertSource, collector *stats.Collector) *CertReloader {
	r := &CertReloader{src: src, stats: collector}
	r.Reload()
	return r
}

// Reload reads the key pair from the store.
func (r *CertReloader) Reload() {
	cert, err := r.src.Certificate()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.cert != nil {
			log.WithError(err).Warn("Failed to reload server certificate, keeping previous")
			return
		}
		log.WithError(err).Info("No server certificate, TLS not ready")
		return
	}
	r.cert = &cert
	r.stats.RecordEvent(stats.EventTLSReload)
	log.Info("Server certificate loaded")
}

// Ready implements types.TLSStatus.
func (r *CertReloader) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert != nil
}

// GetCertificate serves tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, ErrNoCertificate
	}
	return r.cert, nil
}

// Watch reloads on every server certificate or key change until ctx is
// cancelled.
func (r *CertReloader) Watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-r.src.Changes():
			if kind == pki.ServerCert || kind == pki.ServerKey {
				r.Reload()
			}
		}
	}
}
