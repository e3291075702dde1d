// Package storage provides SQLite database operations for the switch controller.
package storage

import "time"

// ReceiverKind is the discriminator stored with every receiver row
type ReceiverKind string

const (
	KindDipSwitch   ReceiverKind = "dip_switch"
	KindMasterSlave ReceiverKind = "master_slave"
	KindAutoPair    ReceiverKind = "auto_pair"
	KindUniversal   ReceiverKind = "universal"
)

// ActionKind identifies the variant of a stored action
type ActionKind string

const (
	ActionReceiver ActionKind = "receiver"
	ActionRoom     ActionKind = "room"
	ActionScene    ActionKind = "scene"
	ActionPause    ActionKind = "pause"
)

// GeofenceState is the last known position relative to a geofence
type GeofenceState string

const (
	GeofenceNone    GeofenceState = "none"
	GeofenceInside  GeofenceState = "inside"
	GeofenceOutside GeofenceState = "outside"
)

// TimerKind selects how a timer is scheduled
type TimerKind string

const (
	TimerWeekday  TimerKind = "weekday"
	TimerInterval TimerKind = "interval"
)

// Event sources for alarm bindings
const (
	SourceAlarmClock     = "alarm_clock"
	SourceSleepAsAndroid = "sleep_as_android"
)

// Call directions
const (
	CallIncoming = "incoming"
	CallOutgoing = "outgoing"
)

// Apartment is the top-level grouping of rooms, scenes and gateways
type Apartment struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	GeofenceID int64      `json:"geofence_id,omitempty"`
	Gateways   []*Gateway `json:"gateways,omitempty"`
	Geofence   *Geofence  `json:"geofence,omitempty"`
}

// Room belongs to one apartment
type Room struct {
	ID          int64       `json:"id"`
	ApartmentID int64       `json:"apartment_id"`
	Name        string      `json:"name"`
	Position    int         `json:"position"`
	Receivers   []*Receiver `json:"receivers,omitempty"`
	Gateways    []*Gateway  `json:"gateways,omitempty"`
}

// Receiver is an RF controlled switch inside a room
type Receiver struct {
	ID                    int64          `json:"id"`
	RoomID                int64          `json:"room_id"`
	Name                  string         `json:"name"`
	Model                 string         `json:"model"`
	Kind                  ReceiverKind   `json:"kind"`
	Config                ReceiverConfig `json:"config"`
	Position              int            `json:"position"`
	Repetitions           int            `json:"repetitions"` // Times each signal is sent
	LastActivatedButtonID int64          `json:"last_activated_button_id,omitempty"`
	Buttons               []Button       `json:"buttons"`
	Gateways              []*Gateway     `json:"gateways,omitempty"`
}

// Button returns the receiver's button with the given ID
func (r *Receiver) Button(id int64) (*Button, bool) {
	for i := range r.Buttons {
		if r.Buttons[i].ID == id {
			return &r.Buttons[i], true
		}
	}
	return nil, false
}

// ButtonByName returns the receiver's button with the given name
func (r *Receiver) ButtonByName(name string) (*Button, bool) {
	for i := range r.Buttons {
		if r.Buttons[i].Name == name {
			return &r.Buttons[i], true
		}
	}
	return nil, false
}

// ReceiverConfig is the model specific part of a receiver. Exactly one of
// the concrete config types below is stored per receiver.
type ReceiverConfig interface {
	Kind() ReceiverKind
}

// DipSwitchConfig holds the DIP switch positions (house code + unit code)
type DipSwitchConfig struct {
	Dips []bool `json:"dips"`
}

func (DipSwitchConfig) Kind() ReceiverKind { return KindDipSwitch }

// MasterSlaveConfig addresses rotary-coded receivers
type MasterSlaveConfig struct {
	Master string `json:"master"` // "A" to "P"
	Slave  int    `json:"slave"`  // 1 to 16
}

func (MasterSlaveConfig) Kind() ReceiverKind { return KindMasterSlave }

// AutoPairConfig addresses self-learning receivers
type AutoPairConfig struct {
	Seed int64 `json:"seed"` // Source of the 26 bit house code
	Unit int   `json:"unit"` // 0 to 15
}

func (AutoPairConfig) Kind() ReceiverKind { return KindAutoPair }

// UniversalConfig marks receivers whose buttons carry raw signals
type UniversalConfig struct{}

func (UniversalConfig) Kind() ReceiverKind { return KindUniversal }

// Button maps a named action of a receiver to a signal
type Button struct {
	ID         int64  `json:"id"`
	ReceiverID int64  `json:"receiver_id"`
	Name       string `json:"name"`
	Signal     string `json:"signal,omitempty"` // Raw signal, universal receivers only
	Position   int    `json:"position"`
}

// Gateway is a network bridge that transmits RF signals
type Gateway struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Model           string        `json:"model"`
	FirmwareVersion string        `json:"firmware_version,omitempty"`
	LocalHost       string        `json:"local_host,omitempty"`
	LocalPort       int           `json:"local_port,omitempty"`
	WANHost         string        `json:"wan_host,omitempty"`
	WANPort         int           `json:"wan_port,omitempty"`
	Timeout         time.Duration `json:"timeout"` // Delay between two signals to this gateway
	Active          bool          `json:"active"`
	SSIDs           []string      `json:"ssids,omitempty"` // Networks on which the local address is preferred
}

// Scene is an ordered set of receiver button states
type Scene struct {
	ID          int64       `json:"id"`
	ApartmentID int64       `json:"apartment_id"`
	Name        string      `json:"name"`
	Items       []SceneItem `json:"items"`
}

// SceneItem is the desired button of a single receiver
type SceneItem struct {
	ReceiverID int64 `json:"receiver_id"`
	ButtonID   int64 `json:"button_id"`
}

// Action is a stored instruction that references its targets by ID only
type Action struct {
	ID          int64         `json:"id"`
	Kind        ActionKind    `json:"kind"`
	ApartmentID int64         `json:"apartment_id,omitempty"`
	RoomID      int64         `json:"room_id,omitempty"`
	ReceiverID  int64         `json:"receiver_id,omitempty"`
	ButtonID    int64         `json:"button_id,omitempty"`
	ButtonName  string        `json:"button_name,omitempty"`
	SceneID     int64         `json:"scene_id,omitempty"`
	Pause       time.Duration `json:"pause,omitempty"`
}

// Geofence is a circular region with enter and exit actions
type Geofence struct {
	ID             int64         `json:"id"`
	ApartmentID    int64         `json:"apartment_id,omitempty"`
	Name           string        `json:"name"`
	Active         bool          `json:"active"`
	Latitude       float64       `json:"latitude"`
	Longitude      float64       `json:"longitude"`
	Radius         float64       `json:"radius"` // Meters
	State          GeofenceState `json:"state"`
	EnterActionIDs []int64       `json:"enter_action_ids,omitempty"`
	ExitActionIDs  []int64       `json:"exit_action_ids,omitempty"`
}

// Timer executes its actions at a time of day or at a fixed interval
type Timer struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Active        bool          `json:"active"`
	Kind          TimerKind     `json:"kind"`
	ExecuteAt     int           `json:"execute_at"` // Minute of day, weekday timers
	DayMask       uint8         `json:"day_mask"`   // Bit 0 = Sunday
	Interval      time.Duration `json:"interval,omitempty"`
	LastExecution time.Time     `json:"last_execution"`
	ActionIDs     []int64       `json:"action_ids,omitempty"`
}

// CallEvent binds actions to calls from or to given phone numbers
type CallEvent struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Active       bool     `json:"active"`
	Direction    string   `json:"direction"`
	PhoneNumbers []string `json:"phone_numbers"`
	ActionIDs    []int64  `json:"action_ids,omitempty"`
}

// HistoryItem is an append-only audit log entry
type HistoryItem struct {
	ID   int64     `json:"id"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}
