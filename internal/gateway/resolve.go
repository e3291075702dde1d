// Package gateway selects the gateways and addresses used to reach a receiver.
package gateway

import (
	"errors"
	"fmt"
	"slices"

	"github.com/homectl/rfswitch/internal/receiver"
	"github.com/homectl/rfswitch/internal/storage"
	"github.com/homectl/rfswitch/internal/transport"
)

var (
	ErrNoAssociatedGateway  = errors.New("no associated gateways")
	ErrNoActiveGateway      = errors.New("no active gateway")
	ErrInvalidGatewayConfig = errors.New("invalid gateway configuration")
)

// Connection is the kind of local network link
type Connection int

const (
	ConnectionNone Connection = iota
	ConnectionWiFi
	ConnectionEthernet
	ConnectionMobile // Cellular modem or tunnel, gateways reachable via WAN only
)

// Network is a snapshot of the device's connectivity
type Network struct {
	Connection Connection
	Internet   bool
	SSID       string // Only meaningful on Wi-Fi
}

// Local reports whether a Wi-Fi or Ethernet link is up
func (n Network) Local() bool {
	return n.Connection == ConnectionWiFi || n.Connection == ConnectionEthernet
}

// Online reports whether any link is up, local or mobile
func (n Network) Online() bool {
	return n.Connection != ConnectionNone
}

// Endpoint is the address chosen for one gateway
type Endpoint struct {
	Host  string
	Port  int
	Local bool
}

// Target is a fully resolved receiver and button
type Target struct {
	Apartment *storage.Apartment
	Room      *storage.Room
	Receiver  *storage.Receiver
	Button    *storage.Button
}

func validAddress(host string, port int) bool {
	return host != "" && port >= 1 && port <= 65535
}

// Candidates returns the gateways of the most specific level that has any:
// receiver first, then room, then apartment
func Candidates(apartment *storage.Apartment, room *storage.Room, rcv *storage.Receiver) ([]*storage.Gateway, error) {
	switch {
	case rcv != nil && len(rcv.Gateways) > 0:
		return rcv.Gateways, nil
	case room != nil && len(room.Gateways) > 0:
		return room.Gateways, nil
	case apartment != nil && len(apartment.Gateways) > 0:
		return apartment.Gateways, nil
	}
	return nil, ErrNoAssociatedGateway
}

// Active filters the gateways that are enabled
func Active(gateways []*storage.Gateway) ([]*storage.Gateway, error) {
	var active []*storage.Gateway
	for _, gw := range gateways {
		if gw.Active {
			active = append(active, gw)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveGateway
	}
	return active, nil
}

// ChooseEndpoint picks the local or WAN address of a gateway for the
// current network. geofenceInside is true when the apartment's geofence is
// active and the device is inside it.
func ChooseEndpoint(gw *storage.Gateway, net Network, geofenceInside bool) (Endpoint, error) {
	localOK := validAddress(gw.LocalHost, gw.LocalPort)
	wanOK := validAddress(gw.WANHost, gw.WANPort)

	local := Endpoint{Host: gw.LocalHost, Port: gw.LocalPort, Local: true}
	wan := Endpoint{Host: gw.WANHost, Port: gw.WANPort}

	switch {
	case localOK && !wanOK:
		return local, nil
	case wanOK && !localOK:
		return wan, nil
	case !localOK && !wanOK:
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidGatewayConfig, gw.Name)
	}

	switch {
	case !net.Local():
		return wan, nil
	case !net.Internet:
		return local, nil
	case len(gw.SSIDs) > 0:
		if net.Connection == ConnectionWiFi && slices.Contains(gw.SSIDs, net.SSID) {
			return local, nil
		}
		return wan, nil
	case geofenceInside:
		return local, nil
	default:
		return wan, nil
	}
}

// GeofenceInside reports whether the apartment's geofence places the
// device at home
func GeofenceInside(apartment *storage.Apartment) bool {
	if apartment == nil || apartment.Geofence == nil {
		return false
	}
	g := apartment.Geofence
	return g.Active && g.State == storage.GeofenceInside
}

// Packages resolves a target into the packages of every usable gateway.
// Failures of individual gateways are joined into the returned error and
// do not discard the packages of the others.
func Packages(t Target, net Network) ([]transport.Package, error) {
	candidates, err := Candidates(t.Apartment, t.Room, t.Receiver)
	if err != nil {
		return nil, err
	}
	active, err := Active(candidates)
	if err != nil {
		return nil, err
	}

	reps := t.Receiver.Repetitions
	if reps < 1 {
		reps = 1
	}
	inside := GeofenceInside(t.Apartment)

	var packages []transport.Package
	var errs []error
	for _, gw := range active {
		ep, err := ChooseEndpoint(gw, net, inside)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		msg, err := receiver.Signal(t.Receiver, t.Button, gw)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for i := 0; i < reps; i++ {
			packages = append(packages, transport.Package{
				Host:    ep.Host,
				Port:    ep.Port,
				Message: msg,
				Timeout: gw.Timeout,
			})
		}
	}

	return packages, errors.Join(errs...)
}
