// Package discovery finds gateways on the local network by UDP broadcast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/homectl/rfswitch/internal/protocol"
	"github.com/homectl/rfswitch/internal/storage"
)

// Config holds discovery configuration
type Config struct {
	Addr    string        // Broadcast destination
	Timeout time.Duration // How long replies are collected
}

// DefaultConfig returns the default broadcast address and timeout
func DefaultConfig() Config {
	return Config{
		Addr:    net.JoinHostPort("255.255.255.255", strconv.Itoa(protocol.DiscoveryPort)),
		Timeout: 2 * time.Second,
	}
}

// Found is a gateway that answered the search
type Found struct {
	Reply protocol.DiscoveryReply
	Model protocol.GatewayModel // Empty when the model is not recognized
	Addr  string                // Source address of the reply
}

// Gateway converts a discovery result into a gateway record
func (f Found) Gateway() *storage.Gateway {
	g := &storage.Gateway{
		Model:     string(f.Model),
		LocalPort: protocol.DiscoveryPort,
		Active:    true,
	}
	if f.Reply.IP != nil {
		g.LocalHost = *f.Reply.IP
	} else if host, _, err := net.SplitHostPort(f.Addr); err == nil {
		g.LocalHost = host
	}
	if f.Reply.Firmware != nil {
		g.FirmwareVersion = *f.Reply.Firmware
	}
	g.Name = g.LocalHost
	if f.Reply.Model != nil && *f.Reply.Model != "" {
		g.Name = *f.Reply.Model + " " + g.LocalHost
	}
	return g
}

// Discoverer runs one search at a time
type Discoverer struct {
	config Config
	mu     sync.Mutex
}

// New creates a discoverer
func New(config Config) *Discoverer {
	return &Discoverer{config: config}
}

// Discover broadcasts a search request and collects replies until the
// receive timeout expires. Replies from the same IP are reported once.
func (d *Discoverer) Discover(ctx context.Context) ([]Found, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dst, err := net.ResolveUDPAddr("udp4", d.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", d.config.Addr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(protocol.DiscoveryRequest), dst); err != nil {
		return nil, fmt.Errorf("send search request: %w", err)
	}

	seen := make(map[string]bool)
	var found []Found
	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(d.config.Timeout))
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return found, err
		}
		if ctx.Err() != nil {
			break
		}

		reply, err := protocol.ParseDiscoveryReply(string(buf[:n]))
		if err != nil {
			log.Printf("Ignoring discovery packet from %s: %v", src, err)
			continue
		}

		ip := src.IP.String()
		if reply.IP != nil && *reply.IP != "" {
			ip = *reply.IP
		}
		if seen[ip] {
			continue
		}
		seen[ip] = true

		model, _ := protocol.ModelFromDiscovery(reply)
		found = append(found, Found{Reply: *reply, Model: model, Addr: src.String()})
	}

	log.Printf("Discovery finished: %d gateway(s) found", len(found))
	return found, ctx.Err()
}
