// Package network carries SDP and HLC traffic over host sockets, for
// setups where the modem is bridged to a network interface.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"evse-controller/internal/ipv6"
	"evse-controller/internal/stats"
	"evse-controller/pkg/types"
)

// allNodes is the link-local multicast group SDP requests are sent to.
var allNodes = net.ParseIP("ff02::1")

// SDPServer answers discovery requests on a UDP socket.
type SDPServer struct {
	conn   *net.UDPConn
	ip     ipv6.Addr
	policy ipv6.SDPPolicy
	tls    types.TLSStatus
	stats  *stats.Collector
}

// ListenSDP binds the discovery socket. With a non-empty ifname it joins
// ff02::1 on that interface; otherwise it listens on addr as given.
// The announced address is ip.
func ListenSDP(addr, ifname string, ip ipv6.Addr, policy ipv6.SDPPolicy, tls types.TLSStatus, collector *stats.Collector) (*SDPServer, error) {
	var conn *net.UDPConn
	var err error
	if ifname != "" {
		iface, ierr := net.InterfaceByName(ifname)
		if ierr != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", ifname, ierr)
		}
		conn, err = net.ListenMulticastUDP("udp6", iface, &net.UDPAddr{IP: allNodes, Port: ipv6.SDPPort})
	} else {
		var laddr *net.UDPAddr
		laddr, err = net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("invalid SDP address %s: %w", addr, err)
		}
		conn, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind SDP socket: %w", err)
	}
	return &SDPServer{conn: conn, ip: ip, policy: policy, tls: tls, stats: collector}, nil
}

// LocalAddr returns the bound address.
func (s *SDPServer) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Start serves requests in a goroutine until ctx is cancelled.
func (s *SDPServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	go s.listen(ctx)
}

// Close closes the socket.
func (s *SDPServer) Close() error {
	return s.conn.Close()
}

func (s *SDPServer) listen(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Error reading from SDP socket")
			continue
		}
		s.handle(buf[:n], addr)
	}
}

func (s *SDPServer) handle(datagram []byte, from *net.UDPAddr) {
	s.stats.RecordReceived("SDPReq")
	body, err := ipv6.ParseSDPRequest(datagram)
	if err != nil {
		s.reject(err, from)
		return
	}
	tlsReady := s.tls != nil && s.tls.Ready()
	ep, err := s.policy.Select(body, tlsReady)
	if err != nil {
		s.reject(err, from)
		return
	}

	if _, err := s.conn.WriteToUDP(ipv6.SDPResponse(s.ip, ep), from); err != nil {
		log.WithError(err).WithField("peer", from.String()).Warn("Failed to send SDP response")
		return
	}
	s.stats.RecordSent("SDPRes")
	log.WithFields(log.Fields{
		"peer": from.String(),
		"port": ep.Port,
		"tls":  ep.TLS(),
	}).Info("SDP request accepted")
}

func (s *SDPServer) reject(err error, from *net.UDPAddr) {
	s.stats.RecordFailure("SDPReq")
	s.stats.RecordEvent(stats.EventSdpRejected)
	log.WithError(err).WithField("peer", from.String()).Warn("SDP request ignored")
}

// InterfaceAddr returns the link-local IPv6 address of the named interface.
func InterfaceAddr(name string) (ipv6.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ipv6.Addr{}, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ipv6.Addr{}, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() != nil || !ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		var out ipv6.Addr
		copy(out[:], ipnet.IP.To16())
		return out, nil
	}
	return ipv6.Addr{}, fmt.Errorf("interface %s has no link-local IPv6 address", name)
}
