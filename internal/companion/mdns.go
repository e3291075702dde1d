package companion

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_rfswitch._tcp"
	mdnsDomain      = "local."
)

func (h *Hub) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	h.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "rfswitch"
	}

	name := h.config.InstanceName
	if name == "" {
		name = fmt.Sprintf("RF Switch (%s)", hostname)
	}
	instance := sanitizeMDNSInstance(name)

	txt := []string{
		fmt.Sprintf("path=%s", h.config.Path),
		"proto=v1",
		fmt.Sprintf("host=%s.local", sanitizeMDNSHost(hostname)),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.mdns = server
	h.mu.Unlock()
	log.Printf("mDNS advertisement started: %q on port %d", instance, port)
	return nil
}

func (h *Hub) stopMDNS() {
	h.mu.Lock()
	server := h.mdns
	h.mdns = nil
	h.mu.Unlock()

	if server == nil {
		return
	}
	server.Shutdown()
	log.Println("mDNS advertisement stopped")
}

// sanitizeMDNSInstance makes name usable as a DNS-SD instance label
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "RF Switch"
	}
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		cleaned = cleaned[:i]
	}
	if cleaned == "" {
		cleaned = "rfswitch"
	}
	// Host labels must be <=63 characters
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
