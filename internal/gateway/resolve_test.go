package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/homectl/rfswitch/internal/receiver"
	"github.com/homectl/rfswitch/internal/storage"
)

func dualGateway(ssids ...string) *storage.Gateway {
	return &storage.Gateway{
		Name:      "Hall",
		Model:     "ConnAir",
		LocalHost: "192.168.1.10",
		LocalPort: 49880,
		WANHost:   "home.example.net",
		WANPort:   49881,
		Timeout:   200 * time.Millisecond,
		Active:    true,
		SSIDs:     ssids,
	}
}

func TestChooseEndpoint(t *testing.T) {
	wifi := func(ssid string) Network { return Network{Connection: ConnectionWiFi, Internet: true, SSID: ssid} }

	tests := []struct {
		name      string
		gw        *storage.Gateway
		net       Network
		inside    bool
		wantLocal bool
		wantErr   error
	}{
		{
			name:      "local only",
			gw:        &storage.Gateway{Name: "L", LocalHost: "192.168.1.10", LocalPort: 49880},
			net:       Network{},
			wantLocal: true,
		},
		{
			name:      "wan only",
			gw:        &storage.Gateway{Name: "W", WANHost: "home.example.net", WANPort: 49880},
			net:       wifi("home"),
			inside:    true,
			wantLocal: false,
		},
		{
			name:    "neither valid",
			gw:      &storage.Gateway{Name: "X", LocalHost: "192.168.1.10", LocalPort: 0, WANPort: 80},
			net:     wifi("home"),
			wantErr: ErrInvalidGatewayConfig,
		},
		{
			name:    "port out of range",
			gw:      &storage.Gateway{Name: "X", LocalHost: "192.168.1.10", LocalPort: 70000},
			net:     wifi("home"),
			wantErr: ErrInvalidGatewayConfig,
		},
		{
			name:      "no local link",
			gw:        dualGateway(),
			net:       Network{Connection: ConnectionNone, Internet: true},
			inside:    true,
			wantLocal: false,
		},
		{
			name:      "mobile inside geofence",
			gw:        dualGateway(),
			net:       Network{Connection: ConnectionMobile, Internet: true},
			inside:    true,
			wantLocal: false,
		},
		{
			name:      "no internet",
			gw:        dualGateway("elsewhere"),
			net:       Network{Connection: ConnectionWiFi, SSID: "cafe"},
			wantLocal: true,
		},
		{
			name:      "ssid listed",
			gw:        dualGateway("home", "home-5g"),
			net:       wifi("home-5g"),
			wantLocal: true,
		},
		{
			name:      "ssid not listed",
			gw:        dualGateway("home"),
			net:       wifi("cafe"),
			inside:    true,
			wantLocal: false,
		},
		{
			name:      "ssid list on ethernet",
			gw:        dualGateway("home"),
			net:       Network{Connection: ConnectionEthernet, Internet: true},
			wantLocal: false,
		},
		{
			name:      "no ssids inside geofence",
			gw:        dualGateway(),
			net:       wifi("anything"),
			inside:    true,
			wantLocal: true,
		},
		{
			name:      "no ssids outside geofence",
			gw:        dualGateway(),
			net:       wifi("anything"),
			wantLocal: false,
		},
		{
			name:      "no ssids ethernet inside",
			gw:        dualGateway(),
			net:       Network{Connection: ConnectionEthernet, Internet: true},
			inside:    true,
			wantLocal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := ChooseEndpoint(tt.gw, tt.net, tt.inside)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ChooseEndpoint() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ChooseEndpoint() failed: %v", err)
			}
			if ep.Local != tt.wantLocal {
				t.Errorf("Local = %v, want %v", ep.Local, tt.wantLocal)
			}
			wantHost := tt.gw.WANHost
			if tt.wantLocal {
				wantHost = tt.gw.LocalHost
			}
			if ep.Host != wantHost {
				t.Errorf("Host = %q, want %q", ep.Host, wantHost)
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	a := &storage.Gateway{ID: 1}
	r := &storage.Gateway{ID: 2}
	x := &storage.Gateway{ID: 3}

	apt := &storage.Apartment{Gateways: []*storage.Gateway{a}}
	room := &storage.Room{Gateways: []*storage.Gateway{r}}
	rcv := &storage.Receiver{Gateways: []*storage.Gateway{x}}

	tests := []struct {
		name string
		apt  *storage.Apartment
		room *storage.Room
		rcv  *storage.Receiver
		want int64
	}{
		{"receiver wins", apt, room, rcv, 3},
		{"room next", apt, room, &storage.Receiver{}, 2},
		{"apartment last", apt, &storage.Room{}, &storage.Receiver{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Candidates(tt.apt, tt.room, tt.rcv)
			if err != nil {
				t.Fatalf("Candidates failed: %v", err)
			}
			if len(got) != 1 || got[0].ID != tt.want {
				t.Errorf("Candidates = %v, want gateway %d", got, tt.want)
			}
		})
	}

	if _, err := Candidates(&storage.Apartment{}, &storage.Room{}, &storage.Receiver{}); !errors.Is(err, ErrNoAssociatedGateway) {
		t.Errorf("Candidates error = %v, want ErrNoAssociatedGateway", err)
	}
	if _, err := Active([]*storage.Gateway{{Active: false}}); !errors.Is(err, ErrNoActiveGateway) {
		t.Errorf("Active error = %v, want ErrNoActiveGateway", err)
	}
}

func universalTarget(gateways ...*storage.Gateway) Target {
	rcv := &storage.Receiver{
		Name:        "Lamp",
		Model:       "Universal",
		Config:      storage.UniversalConfig{},
		Repetitions: 2,
		Buttons:     []storage.Button{{ID: 7, Name: "ON", Signal: "AAA"}},
	}
	return Target{
		Apartment: &storage.Apartment{Name: "Home", Gateways: gateways},
		Room:      &storage.Room{Name: "Kitchen"},
		Receiver:  rcv,
		Button:    &rcv.Buttons[0],
	}
}

func TestPackages(t *testing.T) {
	gw := &storage.Gateway{Name: "G", Model: "ConnAir", LocalHost: "192.168.1.10", LocalPort: 49880,
		Timeout: 200 * time.Millisecond, Active: true}

	pkgs, err := Packages(universalTarget(gw), Network{Connection: ConnectionWiFi})
	if err != nil {
		t.Fatalf("Packages failed: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("len(pkgs) = %d, want 2", len(pkgs))
	}
	for _, p := range pkgs {
		if p.Host != "192.168.1.10" || p.Port != 49880 || p.Message != "AAA" || p.Timeout != 200*time.Millisecond {
			t.Errorf("Package = %+v", p)
		}
	}
}

func TestPackagesPartialFailure(t *testing.T) {
	good := &storage.Gateway{Name: "Good", Model: "ConnAir", LocalHost: "192.168.1.10", LocalPort: 49880, Active: true}
	broken := &storage.Gateway{Name: "Broken", Model: "ConnAir", Active: true}
	off := &storage.Gateway{Name: "Off", Model: "ConnAir", LocalHost: "192.168.1.12", LocalPort: 49880}

	pkgs, err := Packages(universalTarget(good, broken, off), Network{Connection: ConnectionWiFi})
	if !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Errorf("error = %v, want ErrInvalidGatewayConfig", err)
	}
	if len(pkgs) != 2 {
		t.Errorf("len(pkgs) = %d, want 2 from the good gateway", len(pkgs))
	}
}

func TestPackagesGatewayNotSupported(t *testing.T) {
	pi := &storage.Gateway{Name: "Pi", Model: "RaspyRFM", LocalHost: "192.168.1.10", LocalPort: 49880, Active: true}
	rcv := &storage.Receiver{Name: "Blind", Model: "Intertechno ITR-1500", Repetitions: 1,
		Config: storage.AutoPairConfig{Seed: 99, Unit: 2}, Buttons: receiver.DefaultButtons("Intertechno ITR-1500")}
	on, _ := rcv.ButtonByName(receiver.ButtonOn)

	target := Target{
		Apartment: &storage.Apartment{Gateways: []*storage.Gateway{pi}},
		Room:      &storage.Room{},
		Receiver:  rcv,
		Button:    on,
	}
	pkgs, err := Packages(target, Network{Connection: ConnectionWiFi})
	if !errors.Is(err, receiver.ErrGatewayNotSupported) {
		t.Errorf("error = %v, want ErrGatewayNotSupported", err)
	}
	if len(pkgs) != 0 {
		t.Errorf("len(pkgs) = %d, want 0", len(pkgs))
	}
}

func TestGeofenceInside(t *testing.T) {
	tests := []struct {
		name string
		apt  *storage.Apartment
		want bool
	}{
		{"no geofence", &storage.Apartment{}, false},
		{"inactive", &storage.Apartment{Geofence: &storage.Geofence{State: storage.GeofenceInside}}, false},
		{"inside", &storage.Apartment{Geofence: &storage.Geofence{Active: true, State: storage.GeofenceInside}}, true},
		{"outside", &storage.Apartment{Geofence: &storage.Geofence{Active: true, State: storage.GeofenceOutside}}, false},
	}
	for _, tt := range tests {
		if got := GeofenceInside(tt.apt); got != tt.want {
			t.Errorf("%s: GeofenceInside() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
