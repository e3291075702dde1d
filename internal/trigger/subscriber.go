// Package trigger receives external events over a ZeroMQ SUB socket and
// dispatches them into the engine. Publishers send two frame messages:
// the topic and a JSON body.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/homectl/rfswitch/internal/geofence"
	"github.com/homectl/rfswitch/internal/storage"
)

// Topics
const (
	TopicAlarmClock     = "alarm_clock"
	TopicSleepAsAndroid = "sleep_as_android"
	TopicCall           = "call"
	TopicGeofence       = "geofence"
	TopicAction         = "action"
)

// Topics lists every topic the subscriber understands
var Topics = []string{TopicAlarmClock, TopicSleepAsAndroid, TopicCall, TopicGeofence, TopicAction}

// ErrUnknownTopic is returned for messages on topics without a handler
var ErrUnknownTopic = errors.New("unknown trigger topic")

// AlarmEvent is the body of alarm_clock and sleep_as_android messages
type AlarmEvent struct {
	Event string `json:"event"`
}

// CallEvent is the body of call messages
type CallEvent struct {
	Direction string `json:"direction"`
	Number    string `json:"number"`
}

// GeofenceEvent is the body of geofence messages. Either a transition or
// a position fix is given.
type GeofenceEvent struct {
	GeofenceID int64    `json:"geofence_id"`
	Transition string   `json:"transition,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// ActionEvent is the body of action messages
type ActionEvent struct {
	ActionIDs []int64 `json:"action_ids"`
}

// Executor runs dispatched events
type Executor interface {
	ExecuteAlarmClockEvent(ctx context.Context, event string)
	ExecuteSleepAsAndroidEvent(ctx context.Context, event string)
	ExecuteCallEvent(ctx context.Context, direction, phoneNumber string)
	ExecuteGeofenceEvent(ctx context.Context, geofenceID int64, t geofence.Transition)
	ExecuteGeofenceLocation(ctx context.Context, geofenceID int64, lat, lon float64)
	ExecuteActionIDs(ctx context.Context, ids []int64)
}

// Dispatch decodes one message body and hands it to exec
func Dispatch(ctx context.Context, exec Executor, topic string, body []byte) error {
	switch topic {
	case TopicAlarmClock, TopicSleepAsAndroid:
		var ev AlarmEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", topic, err)
		}
		if ev.Event == "" {
			return fmt.Errorf("%s: event is required", topic)
		}
		if topic == TopicAlarmClock {
			exec.ExecuteAlarmClockEvent(ctx, ev.Event)
		} else {
			exec.ExecuteSleepAsAndroidEvent(ctx, ev.Event)
		}

	case TopicCall:
		var ev CallEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode call: %w", err)
		}
		if ev.Direction != storage.CallIncoming && ev.Direction != storage.CallOutgoing {
			return fmt.Errorf("call: unknown direction %q", ev.Direction)
		}
		exec.ExecuteCallEvent(ctx, ev.Direction, ev.Number)

	case TopicGeofence:
		var ev GeofenceEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode geofence: %w", err)
		}
		if ev.GeofenceID == 0 {
			return errors.New("geofence: geofence_id is required")
		}
		if ev.Transition != "" {
			t, err := geofence.ParseTransition(ev.Transition)
			if err != nil {
				return err
			}
			exec.ExecuteGeofenceEvent(ctx, ev.GeofenceID, t)
			return nil
		}
		if ev.Latitude == nil || ev.Longitude == nil {
			return errors.New("geofence: transition or latitude and longitude are required")
		}
		exec.ExecuteGeofenceLocation(ctx, ev.GeofenceID, *ev.Latitude, *ev.Longitude)

	case TopicAction:
		var ev ActionEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		exec.ExecuteActionIDs(ctx, ev.ActionIDs)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return nil
}

// Config holds subscriber configuration
type Config struct {
	URL        string        // e.g. "tcp://127.0.0.1:5563" or "ipc:///tmp/rfswitch_events"
	Topics     []string      // Empty subscribes to everything
	RetryDelay time.Duration // Pause after a failed receive
}

// DefaultConfig returns default subscriber configuration
func DefaultConfig() Config {
	return Config{URL: "ipc:///tmp/rfswitch_events", RetryDelay: time.Second}
}

// Subscriber reads trigger messages from a ZeroMQ publisher
type Subscriber struct {
	config  Config
	exec    Executor
	sock    zmq4.Socket
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSubscriber creates a subscriber dispatching into exec
func NewSubscriber(config Config, exec Executor) *Subscriber {
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Subscriber{config: config, exec: exec}
}

// Start connects to the publisher and starts the event loop
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already running")
	}
	s.running = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.sock = zmq4.NewSub(s.ctx)
	if err := s.sock.Dial(s.config.URL); err != nil {
		s.cancel()
		s.setStopped()
		return fmt.Errorf("failed to connect trigger socket: %w", err)
	}

	topics := s.config.Topics
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, topic := range topics {
		if err := s.sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			s.sock.Close()
			s.cancel()
			s.setStopped()
			return fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
	}

	s.wg.Add(1)
	go s.eventLoop(s.sock.Recv)

	log.Printf("Trigger subscriber started: %s", s.config.URL)
	return nil
}

func (s *Subscriber) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop closes the socket and waits for the event loop
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	err := s.sock.Close()
	s.wg.Wait()

	log.Println("Trigger subscriber stopped")
	return err
}

// eventLoop receives and dispatches messages until the context ends
func (s *Subscriber) eventLoop(recv func() (zmq4.Msg, error)) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("Failed to receive trigger message: %v", err)
			if !s.pause(s.config.RetryDelay) {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			log.Printf("Ignoring trigger message with %d frames", len(msg.Frames))
			continue
		}

		topic := string(msg.Frames[0])
		if err := Dispatch(s.ctx, s.exec, topic, msg.Frames[1]); err != nil {
			log.Printf("Failed to dispatch trigger: %v", err)
		}
	}
}

// pause waits for d and reports false if the context ended first
func (s *Subscriber) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
