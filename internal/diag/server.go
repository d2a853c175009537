package diag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"evse-controller/internal/clock"
	"evse-controller/internal/pki"
	"evse-controller/internal/stats"
)

// Path is the WebSocket endpoint.
const Path = "/diag"

// Console commands.
const (
	CmdAuth   = "auth"
	CmdStatus = "status"
	CmdStats  = "stats"
	CmdPKIGet = "pki_get"
	CmdPKISet = "pki_set"
)

var (
	ErrUnauthorized   = errors.New("diag: not authorized")
	ErrUnknownCommand = errors.New("diag: unknown command")
	ErrNoPKI          = errors.New("diag: no PKI store configured")
)

// Request is one console command. PEM travels base64 encoded.
type Request struct {
	Cmd   string `json:"cmd"`
	Token string `json:"token,omitempty"`
	Kind  string `json:"kind,omitempty"`
	PEM   string `json:"pem,omitempty"`
}

// Response answers one Request.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	CPState        string  `json:"cp_state"`
	SlacState      string  `json:"slac_state"`
	PevMAC         string  `json:"pev_mac,omitempty"`
	TCPState       string  `json:"tcp_state"`
	HLCState       string  `json:"hlc_state"`
	Protocol       string  `json:"protocol"`
	ChargingActive bool    `json:"charging_active"`
	BusVoltage     float64 `json:"bus_voltage"`
	BusCurrent     float64 `json:"bus_current"`
	TLSReady       bool    `json:"tls_ready"`
}

// Backend supplies the data the console reports.
type Backend interface {
	Status() Status
	Stats() *stats.Collector
}

// Server handles console connections.
type Server struct {
	addr     string
	auth     *Auth
	backend  Backend
	store    *pki.Store
	clock    clock.Clock
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewServer creates a console on addr. store may be nil.
func NewServer(addr string, auth *Auth, backend Backend, store *pki.Store, clk clock.Clock) *Server {
	return &Server{
		addr:    addr,
		auth:    auth,
		backend: backend,
		store:   store,
		clock:   clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler serving the console.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	log.WithField("addr", ln.Addr().String()).Info("Diagnostic console listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("diagnostic console: %w", err)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Diagnostic upgrade failed")
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log.WithField("remote", remote).Info("Diagnostic client connected")
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithField("remote", remote).Debug("Diagnostic read ended")
			}
			return
		}
		if err := conn.WriteJSON(s.Handle(req)); err != nil {
			log.WithError(err).WithField("remote", remote).Warn("Diagnostic write failed")
			return
		}
	}
}

// Handle executes one command.
func (s *Server) Handle(req Request) Response {
	now := s.clock.NowMillis()
	if req.Cmd == CmdAuth {
		if !s.auth.Attempt(req.Token, now) {
			log.Warn("Diagnostic authentication failed")
			return failure(ErrUnauthorized)
		}
		return success(nil)
	}
	if !s.auth.Valid(now) {
		return failure(ErrUnauthorized)
	}

	switch req.Cmd {
	case CmdStatus:
		return success(s.backend.Status())
	case CmdStats:
		data, err := stats.NewReporter(s.backend.Stats(), 0, "").MarshalJSON()
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Data: data}
	case CmdPKIGet:
		if s.store == nil {
			return failure(ErrNoPKI)
		}
		kind, err := pki.ParseKind(req.Kind)
		if err != nil {
			return failure(err)
		}
		pem, err := s.store.Get(kind)
		if err != nil {
			return failure(err)
		}
		return success(base64.StdEncoding.EncodeToString(pem))
	case CmdPKISet:
		if s.store == nil {
			return failure(ErrNoPKI)
		}
		kind, err := pki.ParseKind(req.Kind)
		if err != nil {
			return failure(err)
		}
		pem, err := base64.StdEncoding.DecodeString(req.PEM)
		if err != nil {
			return failure(fmt.Errorf("invalid base64 PEM: %w", err))
		}
		if err := s.store.Set(kind, pem); err != nil {
			return failure(err)
		}
		return success(nil)
	default:
		return failure(fmt.Errorf("%w: %q", ErrUnknownCommand, req.Cmd))
	}
}

func success(v interface{}) Response {
	if v == nil {
		return Response{OK: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return failure(err)
	}
	return Response{OK: true, Data: data}
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
