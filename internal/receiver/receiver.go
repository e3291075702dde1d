// Package receiver turns receiver configurations and buttons into RF codes.
package receiver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/homectl/rfswitch/internal/protocol"
	"github.com/homectl/rfswitch/internal/storage"
)

var (
	// ErrActionNotSupported is returned when a button cannot be sent by a receiver
	ErrActionNotSupported = errors.New("action not supported by receiver")
	// ErrGatewayNotSupported is returned when a gateway cannot transmit a receiver's code
	ErrGatewayNotSupported = errors.New("gateway not supported by receiver")
)

// Default button names of fixed code receivers
const (
	ButtonOn  = "ON"
	ButtonOff = "OFF"
)

// Model describes a supported receiver model
type Model struct {
	Name    string
	Vendor  string
	Kind    storage.ReceiverKind
	Dips    int // Number of DIP switches, dip switch models only
	Buttons []string
}

var models = map[string]Model{
	"Brennenstuhl RCS 1000 N Comfort": {
		Name: "RCS 1000 N Comfort", Vendor: "Brennenstuhl", Kind: storage.KindDipSwitch, Dips: 10,
		Buttons: []string{ButtonOn, ButtonOff},
	},
	"Elro AB440S": {
		Name: "AB440S", Vendor: "Elro", Kind: storage.KindDipSwitch, Dips: 10,
		Buttons: []string{ButtonOn, ButtonOff},
	},
	"Intertechno CMR-1000": {
		Name: "CMR-1000", Vendor: "Intertechno", Kind: storage.KindMasterSlave,
		Buttons: []string{ButtonOn, ButtonOff},
	},
	"Intertechno ITR-1500": {
		Name: "ITR-1500", Vendor: "Intertechno", Kind: storage.KindAutoPair,
		Buttons: []string{ButtonOn, ButtonOff},
	},
	"Universal": {
		Name: "Universal", Kind: storage.KindUniversal,
	},
}

// Lookup returns the model registered under the given name
func Lookup(name string) (Model, bool) {
	m, ok := models[name]
	return m, ok
}

// ModelNames returns all supported model names in sorted order
func ModelNames() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultButtons returns the buttons a new receiver of the model starts with
func DefaultButtons(model string) []storage.Button {
	m, ok := models[model]
	if !ok {
		return nil
	}
	buttons := make([]storage.Button, len(m.Buttons))
	for i, name := range m.Buttons {
		buttons[i] = storage.Button{Name: name, Position: i}
	}
	return buttons
}

// Code builds the RF code a receiver expects for the given button
func Code(r *storage.Receiver, button *storage.Button) (protocol.Code, error) {
	if button == nil {
		return protocol.Code{}, fmt.Errorf("%w: no button", ErrActionNotSupported)
	}
	m, ok := models[r.Model]
	if !ok {
		return protocol.Code{}, fmt.Errorf("unknown receiver model %q", r.Model)
	}
	if r.Config == nil || r.Config.Kind() != m.Kind {
		return protocol.Code{}, fmt.Errorf("receiver %q: config does not match model %q", r.Name, r.Model)
	}

	if m.Kind == storage.KindUniversal {
		if button.Signal == "" {
			return protocol.Code{}, fmt.Errorf("%w: button %q has no signal", ErrActionNotSupported, button.Name)
		}
		return protocol.Code{Family: protocol.FamilyRaw, Raw: button.Signal}, nil
	}

	on, err := onOff(m, button.Name)
	if err != nil {
		return protocol.Code{}, err
	}

	switch cfg := r.Config.(type) {
	case storage.DipSwitchConfig:
		symbols, err := dipSymbols(m, cfg, on)
		if err != nil {
			return protocol.Code{}, err
		}
		return tristateCode(symbols), nil
	case storage.MasterSlaveConfig:
		symbols, err := masterSlaveSymbols(cfg, on)
		if err != nil {
			return protocol.Code{}, err
		}
		return tristateCode(symbols), nil
	case storage.AutoPairConfig:
		bits, err := autoPairBits(cfg, on)
		if err != nil {
			return protocol.Code{}, err
		}
		return selfLearningCode(bits), nil
	default:
		return protocol.Code{}, fmt.Errorf("unsupported receiver config %T", r.Config)
	}
}

// Signal frames the receiver's code for the given gateway
func Signal(r *storage.Receiver, button *storage.Button, gw *storage.Gateway) (string, error) {
	code, err := Code(r, button)
	if err != nil {
		return "", err
	}

	msg, err := protocol.Frame(protocol.GatewayModel(gw.Model), code)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedCode) || errors.Is(err, protocol.ErrUnknownModel) {
			return "", fmt.Errorf("%w: %s via %s: %v", ErrGatewayNotSupported, r.Name, gw.Name, err)
		}
		return "", err
	}
	return msg, nil
}

func onOff(m Model, name string) (bool, error) {
	for _, b := range m.Buttons {
		if b == name {
			return name == ButtonOn, nil
		}
	}
	return false, fmt.Errorf("%w: button %q on %s %s", ErrActionNotSupported, name, m.Vendor, m.Name)
}

// --- Tristate encoding ---

var tristatePulses = map[byte][]int{
	'0': {1, 3, 1, 3},
	'1': {3, 1, 3, 1},
	'f': {1, 3, 3, 1},
}

var tristateSync = []int{1, 31}

func tristateCode(symbols string) protocol.Code {
	pulses := make([]int, 0, len(symbols)*4+len(tristateSync))
	for i := 0; i < len(symbols); i++ {
		pulses = append(pulses, tristatePulses[symbols[i]]...)
	}
	pulses = append(pulses, tristateSync...)
	return protocol.Code{Family: protocol.FamilyTristate, Pulses: pulses}
}

// dipSymbols maps each switch to a tristate symbol followed by the command
func dipSymbols(m Model, cfg storage.DipSwitchConfig, on bool) (string, error) {
	if len(cfg.Dips) != m.Dips {
		return "", fmt.Errorf("%s %s needs %d dip switches, got %d", m.Vendor, m.Name, m.Dips, len(cfg.Dips))
	}

	var b strings.Builder
	for _, dip := range cfg.Dips {
		if dip {
			b.WriteByte('0')
		} else {
			b.WriteByte('f')
		}
	}
	if on {
		b.WriteString("0f")
	} else {
		b.WriteString("f0")
	}
	return b.String(), nil
}

// masterSlaveSymbols encodes master A-P and slave 1-16 as four bits each,
// least significant bit first
func masterSlaveSymbols(cfg storage.MasterSlaveConfig, on bool) (string, error) {
	if len(cfg.Master) != 1 || cfg.Master[0] < 'A' || cfg.Master[0] > 'P' {
		return "", fmt.Errorf("invalid master code %q", cfg.Master)
	}
	if cfg.Slave < 1 || cfg.Slave > 16 {
		return "", fmt.Errorf("invalid slave code %d", cfg.Slave)
	}

	var b strings.Builder
	writeBits := func(v int) {
		for i := 0; i < 4; i++ {
			if v&(1<<i) != 0 {
				b.WriteByte('f')
			} else {
				b.WriteByte('0')
			}
		}
	}
	writeBits(int(cfg.Master[0] - 'A'))
	writeBits(cfg.Slave - 1)
	b.WriteString("0f")
	if on {
		b.WriteString("ff")
	} else {
		b.WriteString("f0")
	}
	return b.String(), nil
}

// --- Self-learning encoding ---

var (
	learningStart = []int{1, 10}
	learningStop  = []int{1, 40}
	learningZero  = []int{1, 1, 1, 5}
	learningOne   = []int{1, 5, 1, 1}
)

const houseCodeMask = 1<<26 - 1

// autoPairBits lays out 26 house code bits, the group bit, the command
// bit and 4 unit bits, most significant bit first
func autoPairBits(cfg storage.AutoPairConfig, on bool) ([]bool, error) {
	if cfg.Unit < 0 || cfg.Unit > 15 {
		return nil, fmt.Errorf("invalid unit %d", cfg.Unit)
	}

	house := uint32(cfg.Seed) & houseCodeMask
	bits := make([]bool, 0, 32)
	for i := 25; i >= 0; i-- {
		bits = append(bits, house&(1<<uint(i)) != 0)
	}
	bits = append(bits, false, on)
	for i := 3; i >= 0; i-- {
		bits = append(bits, cfg.Unit&(1<<uint(i)) != 0)
	}
	return bits, nil
}

func selfLearningCode(bits []bool) protocol.Code {
	pulses := make([]int, 0, len(bits)*4+len(learningStart)+len(learningStop))
	pulses = append(pulses, learningStart...)
	for _, bit := range bits {
		if bit {
			pulses = append(pulses, learningOne...)
		} else {
			pulses = append(pulses, learningZero...)
		}
	}
	pulses = append(pulses, learningStop...)
	return protocol.Code{Family: protocol.FamilySelfLearning, Pulses: pulses}
}
