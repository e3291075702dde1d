// Package netstate reports the connectivity facts used for gateway selection.
package netstate

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/homectl/rfswitch/internal/gateway"
)

// Provider returns the current network snapshot
type Provider interface {
	Current() gateway.Network
}

// Config holds probe configuration
type Config struct {
	InternetProbe string        // host:port dialed to test internet access
	ProbeTimeout  time.Duration // Dial timeout of the internet probe
	SSID          string        // Current Wi-Fi network, if known
	CacheFor      time.Duration // How long a probe result is reused
}

// DefaultConfig returns default probe settings
func DefaultConfig() Config {
	return Config{
		InternetProbe: "1.1.1.1:53",
		ProbeTimeout:  2 * time.Second,
		CacheFor:      10 * time.Second,
	}
}

// Probe inspects the host's interfaces and dials an internet address
type Probe struct {
	config Config

	mu       sync.Mutex
	cached   gateway.Network
	cachedAt time.Time

	interfaces func() ([]net.Interface, error)
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbe creates a network probe
func NewProbe(config Config) *Probe {
	var d net.Dialer
	return &Probe{
		config:     config,
		interfaces: net.Interfaces,
		dial:       d.DialContext,
	}
}

// Current returns the cached snapshot or probes again
func (p *Probe) Current() gateway.Network {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.config.CacheFor {
		return p.cached
	}

	n := gateway.Network{Connection: p.link()}
	if n.Connection != gateway.ConnectionNone {
		n.Internet = p.internet()
	}
	if n.Connection == gateway.ConnectionWiFi {
		n.SSID = p.config.SSID
	}

	p.cached = n
	p.cachedAt = time.Now()
	return n
}

// Online reports whether any link is up, including mobile ones
func (p *Probe) Online() bool {
	return p.Current().Online()
}

// SetSSID updates the current Wi-Fi network name
func (p *Probe) SetSSID(ssid string) {
	p.mu.Lock()
	p.config.SSID = ssid
	p.cachedAt = time.Time{}
	p.mu.Unlock()
}

// Interface name prefixes of cellular modems and tunnels
var mobilePrefixes = []string{"wwan", "wwp", "rmnet", "ppp", "usb", "tun", "wg"}

// link classifies the usable interfaces. Wi-Fi wins over Ethernet, which
// wins over mobile links.
func (p *Probe) link() gateway.Connection {
	ifaces, err := p.interfaces()
	if err != nil {
		return gateway.ConnectionNone
	}

	conn := gateway.ConnectionNone
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		switch kind := classify(iface.Name); {
		case kind == gateway.ConnectionWiFi:
			return kind
		case kind == gateway.ConnectionEthernet:
			conn = kind
		case conn == gateway.ConnectionNone:
			conn = kind
		}
	}
	return conn
}

func classify(name string) gateway.Connection {
	if strings.HasPrefix(name, "wl") || strings.HasPrefix(name, "wifi") {
		return gateway.ConnectionWiFi
	}
	for _, prefix := range mobilePrefixes {
		if strings.HasPrefix(name, prefix) {
			return gateway.ConnectionMobile
		}
	}
	return gateway.ConnectionEthernet
}

func (p *Probe) internet() bool {
	if p.config.InternetProbe == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ProbeTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.config.InternetProbe)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Static is a fixed network snapshot
type Static gateway.Network

// Current returns the fixed snapshot
func (s Static) Current() gateway.Network {
	return gateway.Network(s)
}
