package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/homectl/rfswitch/internal/gateway"
	"github.com/homectl/rfswitch/internal/receiver"
	"github.com/homectl/rfswitch/internal/transport"
)

// ErrNoReceiverSupportsAction is returned when no receiver of a room has
// the requested button
var ErrNoReceiverSupportsAction = errors.New("no receiver supports this action")

// Level is the severity of a status message
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Status is a short user visible outcome of an action
type Status struct {
	Level   Level
	Message string
	Time    time.Time
}

// Short messages for the known error kinds, first match wins
var statusMessages = []struct {
	err error
	msg string
}{
	{transport.ErrNoConnection, "Missing network connection"},
	{gateway.ErrNoAssociatedGateway, "No associated gateways"},
	{gateway.ErrNoActiveGateway, "No active gateway"},
	{gateway.ErrInvalidGatewayConfig, "Invalid gateway configuration"},
	{receiver.ErrActionNotSupported, "Action not supported by receiver"},
	{receiver.ErrGatewayNotSupported, "Gateway not supported by receiver"},
	{ErrNoReceiverSupportsAction, "No receiver supports this action"},
}

// StatusMessage maps an error to its user visible message
func StatusMessage(err error) string {
	for _, m := range statusMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Unknown error"
}

// ReceiverState is the last activated button of one receiver
type ReceiverState struct {
	ReceiverID int64  `json:"receiver_id"`
	Receiver   string `json:"receiver"`
	Room       string `json:"room"`
	Apartment  string `json:"apartment"`
	ButtonID   int64  `json:"button_id"`
	Button     string `json:"button"`
}

// Update describes what changed after an action
type Update struct {
	Receivers []ReceiverState `json:"receivers,omitempty"`
	History   string          `json:"history,omitempty"`
}

// Refresher is notified after successful activations
type Refresher interface {
	Refresh(u Update)
}

// run is the failure boundary of every public entry point. fn returns the
// history text of the attempt along with its error.
func (e *Engine) run(name string, fn func() (string, error)) {
	var text string
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while executing %s: %v", name, r)
			e.fail(text, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	text, err = fn()
	if err != nil {
		e.fail(text, err)
		return
	}
	if text != "" {
		e.writeHistory(text)
		e.status(LevelInfo, text)
	}
}

// fail reports an error and records the attempt
func (e *Engine) fail(text string, err error) {
	msg := StatusMessage(err)
	log.Printf("Action failed: %s: %v", text, err)
	e.status(LevelError, msg)

	switch {
	case text == "":
		e.writeHistory(msg)
	case errors.Is(err, ErrNoReceiverSupportsAction):
		// The attempted room action is recorded as is
		e.writeHistory(text)
	default:
		e.writeHistory(text + ": " + msg)
	}
}

func (e *Engine) status(level Level, msg string) {
	e.mu.RLock()
	fn := e.onStatus
	e.mu.RUnlock()

	if fn != nil {
		fn(Status{Level: level, Message: msg, Time: e.now()})
	}
}

// refresh notifies the widget and wearable refreshers allowed by the
// preferences
func (e *Engine) refresh(u Update) {
	e.mu.RLock()
	prefs := e.config.Preferences
	widgets, wearable := e.widgets, e.wearable
	e.mu.RUnlock()

	if prefs.RefreshWidgets && widgets != nil {
		widgets.Refresh(u)
	}
	if prefs.SyncWearable && wearable != nil {
		wearable.Refresh(u)
	}
}
