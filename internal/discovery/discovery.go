// Package discovery implements the DiscoveryEngine from spec.md §4.3: a
// multicast announce/listen/sweep trio that maintains the PeerRegistry.
// Rewritten from the teacher's internal/discovery/discovery.go, which used
// github.com/grandcat/zeroconf's mDNS Register/Browse calls — that API
// resolves named service instances, not the spec's fixed multicast-group
// JSON datagram wire format, so the socket layer here is built directly on
// net.ListenMulticastUDP instead. The interface-selection algorithm and the
// HTTP-primary/UDP-fallback dual response are grounded on original_source's
// UdpDiscoveryService; the three-goroutine + context.Context + WaitGroup
// scheduling shape follows the teacher's cmd/cmd.go Prerun pattern.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/wire"
)

// DefaultPort is the fixed discovery port spec.md §4.3 prescribes.
const DefaultPort = 53317

// MulticastGroup is the fixed IPv4 multicast address datagrams are sent to
// and received on.
const MulticastGroup = "224.0.0.167"

const (
	announceInterval  = 5 * time.Second
	responseDelay     = 500 * time.Millisecond
	registerTimeout   = 5 * time.Second
	multicastTTL      = 4
	maxDatagramBytes  = 64 * 1024
)

// Engine is the DiscoveryEngine: it owns the multicast socket and drives
// the PeerRegistry from received DeviceInfo datagrams, while periodically
// announcing this agent's own presence.
type Engine struct {
	conn   *net.UDPConn
	group  *net.UDPAddr
	iface  *net.Interface

	identity *identity.Store
	registry *peer.Registry

	httpClient *http.Client
	logger     *log.Logger

	wg sync.WaitGroup
}

// New binds the multicast socket on port (DefaultPort if 0) and selects a
// network interface per spec.md §4.3 step 1. It does not start the
// background tasks; call Run for that.
func New(port int, identityStore *identity.Store, registry *peer.Registry) (*Engine, error) {
	if port == 0 {
		port = DefaultPort
	}
	groupIP := net.ParseIP(MulticastGroup)
	group := &net.UDPAddr{IP: groupIP, Port: port}

	iface, _ := selectMulticastInterface()

	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen multicast: %w", err)
	}
	if err := conn.SetReadBuffer(maxDatagramBytes); err != nil {
		log.Printf("discovery: set read buffer: %v", err)
	}
	setMulticastTTLAndLoopback(conn)

	return &Engine{
		conn:       conn,
		group:      group,
		iface:      iface,
		identity:   identityStore,
		registry:   registry,
		httpClient: &http.Client{Timeout: registerTimeout},
		logger:     log.New(os.Stderr, "discovery: ", log.LstdFlags),
	}, nil
}

// Run starts the listener, announcer and sweeper goroutines and blocks
// until ctx is cancelled, then waits for all three to return. The
// multicast socket is closed on the way out, unblocking the listener's
// pending ReadFromUDP.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.listen(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.announceLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()

	<-ctx.Done()
	e.conn.Close()
	e.wg.Wait()
}

// listen implements spec.md §4.3 step 3: receive, validate, upsert,
// respond to announcements.
func (e *Engine) listen(ctx context.Context) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.logger.Printf("read error: %v", err)
				return
			}
		}

		var info wire.DeviceInfo
		if err := json.Unmarshal(buf[:n], &info); err != nil {
			e.logger.Printf("malformed datagram from %s: %v", src, err)
			continue
		}
		if info.Fingerprint == e.identity.Fingerprint() {
			continue
		}

		info = info.WithSourceIP(src.IP)
		wasAnnounce := info.Announce

		if _, err := e.registry.Upsert(info); err != nil {
			e.logger.Printf("rejected datagram from %s: %v", src, err)
			continue
		}

		if wasAnnounce {
			go e.respond(ctx, info)
		}
	}
}

// respond implements the HTTP-primary, UDP-fallback dual response to a
// primary announcement (spec.md §4.3 step 3): it always POSTs to the
// announcer's /register and then, after responseDelay, also multicasts a
// response datagram for hosts whose HTTP is blocked.
func (e *Engine) respond(ctx context.Context, announcer wire.DeviceInfo) {
	self := e.identity.Snapshot()
	self.Announce = false

	e.postRegister(ctx, announcer, self)

	select {
	case <-ctx.Done():
		return
	case <-time.After(responseDelay):
	}
	e.sendDatagram(self)
}

func (e *Engine) postRegister(ctx context.Context, announcer, self wire.DeviceInfo) bool {
	body, err := json.Marshal(self)
	if err != nil {
		return false
	}
	url := fmt.Sprintf("%s://%s:%d/api/localsend/v1/register", announcer.Protocol, announcer.IP, announcer.Port)
	reqCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// announceLoop implements spec.md §4.3 step 2.
func (e *Engine) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	e.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.announce()
		}
	}
}

func (e *Engine) announce() {
	self := e.identity.Snapshot()
	self.Announce = true
	e.sendDatagram(self)
}

func (e *Engine) sendDatagram(info wire.DeviceInfo) {
	body, err := json.Marshal(info)
	if err != nil {
		e.logger.Printf("marshal announce: %v", err)
		return
	}
	if _, err := e.conn.WriteToUDP(body, e.group); err != nil {
		e.logger.Printf("send datagram: %v", err)
	}
}

// sweepLoop implements spec.md §4.3 step 4: evict stale peers every
// TIMEOUT/2.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(peer.DefaultTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := e.registry.SweepExpired(time.Now()); len(evicted) > 0 {
				e.logger.Printf("evicted %d stale peer(s)", len(evicted))
			}
		}
	}
}

// setMulticastTTLAndLoopback applies spec.md §4.3 step 1's TTL=4 and
// loopback-reception-disabled requirements via golang.org/x/net/ipv4,
// since the standard net package exposes no multicast TTL/loopback knobs
// on a plain *net.UDPConn.
func setMulticastTTLAndLoopback(conn *net.UDPConn) {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		log.Printf("discovery: set multicast ttl: %v", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		log.Printf("discovery: disable multicast loopback: %v", err)
	}
}

// selectMulticastInterface implements spec.md §4.3 step 1's interface
// selection: up, non-loopback, non-virtual (not a point-to-point tunnel),
// multicast-capable, carrying an IPv4 address. Returns (nil, nil) to
// delegate selection to the OS if nothing matches, grounded on
// original_source's findMulticastNetworkInterface.
func selectMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if iface.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() != nil {
				selected := iface
				return &selected, nil
			}
		}
	}
	return nil, nil
}
