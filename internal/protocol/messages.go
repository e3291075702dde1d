// Package protocol defines the ASCII payloads understood by the RF gateways
// and the discovery exchange used to find them on the local network.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// GatewayModel identifies the firmware family of a gateway
type GatewayModel string

const (
	ModelConnAir  GatewayModel = "ConnAir"
	ModelBrematic GatewayModel = "Brematic GWY433"
	ModelITGW     GatewayModel = "ITGW-433"
	ModelRaspyRFM GatewayModel = "RaspyRFM"
)

// Models lists every supported gateway model
var Models = []GatewayModel{ModelConnAir, ModelBrematic, ModelITGW, ModelRaspyRFM}

// ParseModel validates a stored gateway model name
func ParseModel(name string) (GatewayModel, error) {
	for _, m := range Models {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Family is the pulse encoding of a code
type Family uint8

const (
	FamilyTristate     Family = 1 // PT2262 style, fixed code receivers
	FamilySelfLearning Family = 2 // learning code receivers
	FamilyRaw          Family = 3 // preformatted gateway payload
)

func (f Family) String() string {
	switch f {
	case FamilyTristate:
		return "tristate"
	case FamilySelfLearning:
		return "self-learning"
	case FamilyRaw:
		return "raw"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Code is a receiver signal before it is framed for a gateway.
// Pulses are given in multiples of the family's base period.
type Code struct {
	Family Family
	Pulses []int
	Raw    string // FamilyRaw only
}

var (
	ErrUnknownModel    = errors.New("unknown gateway model")
	ErrUnsupportedCode = errors.New("code family not supported by gateway")
	ErrEmptyCode       = errors.New("empty code")
)

// Framing parameters per code family
type timing struct {
	repeat int // Repetitions done by the gateway itself
	pause  int // Pause between repetitions, microseconds
	tune   int // Base period, microseconds
}

var (
	txpTiming = map[Family]timing{
		FamilyTristate:     {repeat: 10, pause: 5600, tune: 350},
		FamilySelfLearning: {repeat: 5, pause: 10976, tune: 98},
	}
	itgwTiming = map[Family]timing{
		FamilyTristate:     {repeat: 6, pause: 11125, tune: 89},
		FamilySelfLearning: {repeat: 6, pause: 11125, tune: 26},
	}
)

// Frame renders a code as the UDP payload for the given gateway model
func Frame(model GatewayModel, code Code) (string, error) {
	if code.Family == FamilyRaw {
		if code.Raw == "" {
			return "", ErrEmptyCode
		}
		if _, err := ParseModel(string(model)); err != nil {
			return "", err
		}
		return code.Raw, nil
	}

	if len(code.Pulses) == 0 {
		return "", ErrEmptyCode
	}
	if len(code.Pulses)%2 != 0 {
		return "", fmt.Errorf("odd pulse count %d", len(code.Pulses))
	}

	switch model {
	case ModelConnAir, ModelBrematic:
		return frameTXP(txpTiming, code)
	case ModelRaspyRFM:
		if code.Family == FamilySelfLearning {
			return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedCode, code.Family, model)
		}
		return frameTXP(txpTiming, code)
	case ModelITGW:
		return frameITGW(code)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}

func frameTXP(timings map[Family]timing, code Code) (string, error) {
	tm, ok := timings[code.Family]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCode, code.Family)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TXP:0,0,%d,%d,%d,%d,", tm.repeat, tm.pause, tm.tune, len(code.Pulses)/2)
	writePulses(&b, code.Pulses)
	b.WriteString(";")
	return b.String(), nil
}

func frameITGW(code Code) (string, error) {
	tm, ok := itgwTiming[code.Family]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCode, code.Family)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "0,0,%d,%d,%d,%d,0,", tm.repeat, tm.pause, tm.tune, len(code.Pulses)/2)
	writePulses(&b, code.Pulses)
	b.WriteString(",0")
	return b.String(), nil
}

func writePulses(b *strings.Builder, pulses []int) {
	for i, p := range pulses {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(p))
	}
}

// Discovery exchange
const (
	DiscoveryRequest = "SEARCH HCGW"
	DiscoveryPort    = 49880
	discoveryPrefix  = "HCGW:"
)

// DiscoveryReply holds the fields of a gateway's discovery answer.
// A nil field was absent from the reply.
type DiscoveryReply struct {
	Vendor   *string
	Model    *string
	Firmware *string
	IP       *string
}

// ParseDiscoveryReply extracts the vendor, model, firmware and address
// fields of a reply such as
//
//	HCGW:VC:Brennenstuhl;MC:Brematic GWY433;FW:1.0;IP:192.168.1.10;;
func ParseDiscoveryReply(data string) (*DiscoveryReply, error) {
	data = strings.TrimRight(data, "\r\n\x00")
	if !strings.HasPrefix(data, discoveryPrefix) {
		return nil, fmt.Errorf("not a gateway discovery reply: %q", truncate(data, 32))
	}

	return &DiscoveryReply{
		Vendor:   between(data, "VC:", ";MC"),
		Model:    between(data, "MC:", ";FW"),
		Firmware: between(data, "FW:", ";IP"),
		IP:       between(data, "IP:", ";;"),
	}, nil
}

// between returns the text between start and end, or nil when either
// marker is missing
func between(s, start, end string) *string {
	i := strings.Index(s, start)
	if i < 0 {
		return nil
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return nil
	}
	v := rest[:j]
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ModelFromDiscovery maps the vendor and model fields of a discovery
// reply to a gateway model
func ModelFromDiscovery(reply *DiscoveryReply) (GatewayModel, bool) {
	var vendor, model string
	if reply.Vendor != nil {
		vendor = strings.ToLower(*reply.Vendor)
	}
	if reply.Model != nil {
		model = strings.ToLower(*reply.Model)
	}

	switch {
	case strings.Contains(model, "itgw"):
		return ModelITGW, true
	case strings.Contains(model, "brematic") || strings.Contains(model, "gwy"):
		return ModelBrematic, true
	case strings.Contains(model, "raspyrfm"):
		return ModelRaspyRFM, true
	case strings.Contains(model, "connair") || strings.Contains(model, "simplerfx"):
		return ModelConnAir, true
	case vendor == "brennenstuhl":
		return ModelBrematic, true
	case vendor == "intertechno":
		return ModelITGW, true
	}
	return "", false
}
