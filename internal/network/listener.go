package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/hlc"
	"evse-controller/internal/stats"
)

const writeTimeout = 5 * time.Second

// Executor runs fn serialized with every other component of a link.
type Executor interface {
	Do(fn func())
}

// Engine is the HLC side of a socket connection.
type Engine interface {
	Connected()
	Receive(payload []byte)
	Abort(reason string)
	SetTransport(t hlc.Transport)
	Transport() hlc.Transport
}

// Listener accepts one HLC connection at a time and feeds it to the
// engine. While a connection is open, it is the engine's transport.
type Listener struct {
	name   string
	ln     net.Listener
	exec   Executor
	engine Engine
	stats  *stats.Collector

	mu     sync.Mutex
	active *connTransport
}

// ListenTCP accepts plain HLC connections on addr.
func ListenTCP(addr string, exec Executor, engine Engine, collector *stats.Collector) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return newListener("tcp", ln, exec, engine, collector), nil
}

// ListenTLS accepts TLS HLC connections on addr with certificates from certs.
func ListenTLS(addr string, certs *CertReloader, exec Executor, engine Engine, collector *stats.Collector) (*Listener, error) {
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: certs.GetCertificate,
	}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return newListener("tls", ln, exec, engine, collector), nil
}

func newListener(name string, ln net.Listener, exec Executor, engine Engine, collector *stats.Collector) *Listener {
	return &Listener{name: name, ln: ln, exec: exec, engine: engine, stats: collector}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Start accepts connections in a goroutine until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go l.accept(ctx)
}

// Close stops accepting and drops the active connection.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active != nil {
		active.Reset()
	}
	return err
}

func (l *Listener) accept(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).WithField("listener", l.name).Warn("Accept failed")
			continue
		}

		l.mu.Lock()
		busy := l.active != nil
		var t *connTransport
		if !busy {
			t = &connTransport{conn: conn}
			l.active = t
		}
		l.mu.Unlock()

		if busy {
			l.stats.RecordEvent(stats.EventConnRejected)
			log.WithFields(log.Fields{
				"listener": l.name,
				"peer":     conn.RemoteAddr().String(),
			}).Warn("HLC connection already active, rejecting")
			conn.Close()
			continue
		}

		l.stats.RecordEvent(stats.EventConnAccepted)
		log.WithFields(log.Fields{
			"listener": l.name,
			"peer":     conn.RemoteAddr().String(),
		}).Info("HLC connection accepted")
		go l.serve(t)
	}
}

func (l *Listener) serve(t *connTransport) {
	var prev hlc.Transport
	l.exec.Do(func() {
		prev = l.engine.Transport()
		l.engine.SetTransport(t)
		l.engine.Connected()
	})

	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			l.exec.Do(func() {
				if l.engine.Transport() == hlc.Transport(t) {
					l.engine.Receive(data)
				}
			})
		}
		if err != nil {
			log.WithError(err).WithField("listener", l.name).Info("HLC connection closed")
			break
		}
	}

	t.Reset()
	l.exec.Do(func() {
		if l.engine.Transport() == hlc.Transport(t) {
			l.engine.Abort("connection closed")
			l.engine.SetTransport(prev)
		}
	})
	l.mu.Lock()
	l.active = nil
	l.mu.Unlock()
}

// connTransport sends engine responses on a socket.
type connTransport struct {
	conn net.Conn
	once sync.Once
}

func (c *connTransport) Send(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write to %s: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

func (c *connTransport) Reset() {
	c.once.Do(func() { c.conn.Close() })
}
