package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/homectl/rfswitch/internal/gateway"
	"github.com/homectl/rfswitch/internal/geofence"
	"github.com/homectl/rfswitch/internal/storage"
	"github.com/homectl/rfswitch/internal/transport"
)

// ExecuteReceiverButton switches a single receiver
func (e *Engine) ExecuteReceiverButton(ctx context.Context, receiverID, buttonID int64) {
	e.run("receiver button", func() (string, error) {
		return e.executeReceiverButton(receiverID, buttonID)
	})
}

func (e *Engine) executeReceiverButton(receiverID, buttonID int64) (string, error) {
	rcv, err := e.store.GetReceiver(receiverID)
	if err != nil {
		return "", err
	}
	room, err := e.store.GetRoom(rcv.RoomID)
	if err != nil {
		return "", err
	}
	apt, err := e.store.GetApartment(room.ApartmentID)
	if err != nil {
		return "", err
	}

	button, ok := rcv.Button(buttonID)
	if !ok {
		return "", fmt.Errorf("button %d of receiver %q: %w", buttonID, rcv.Name, storage.ErrNotFound)
	}
	text := strings.Join([]string{apt.Name, room.Name, rcv.Name, button.Name}, ": ")

	pkgs, err := gateway.Packages(gateway.Target{Apartment: apt, Room: room, Receiver: rcv, Button: button}, e.network.Current())
	if len(pkgs) == 0 {
		return text, err
	}
	if err != nil {
		log.Printf("%s: some gateways skipped: %v", text, err)
	}

	if err := e.submit(text, pkgs); err != nil {
		return text, err
	}

	e.activated(text, []activation{{apt, room, rcv, button}})
	return text, nil
}

// ExecuteRoomButton switches every receiver of a room that has a button
// with the given name
func (e *Engine) ExecuteRoomButton(ctx context.Context, roomID int64, buttonName string) {
	e.run("room button", func() (string, error) {
		return e.executeRoom(roomID, func(r *storage.Receiver) (*storage.Button, bool) {
			return r.ButtonByName(buttonName)
		}, buttonName)
	})
}

// ExecuteRoomButtonID switches every receiver of a room that has the
// button with the given ID
func (e *Engine) ExecuteRoomButtonID(ctx context.Context, roomID, buttonID int64) {
	e.run("room button", func() (string, error) {
		name := fmt.Sprintf("#%d", buttonID)
		return e.executeRoom(roomID, func(r *storage.Receiver) (*storage.Button, bool) {
			b, ok := r.Button(buttonID)
			if ok {
				name = b.Name
			}
			return b, ok
		}, name)
	})
}

func (e *Engine) executeRoom(roomID int64, find func(*storage.Receiver) (*storage.Button, bool), label string) (string, error) {
	room, err := e.store.GetRoom(roomID)
	if err != nil {
		return "", err
	}
	apt, err := e.store.GetApartment(room.ApartmentID)
	if err != nil {
		return "", err
	}

	net := e.network.Current()
	var batch []transport.Package
	var done []activation
	var errs []error
	buttonName := label

	for _, rcv := range room.Receivers {
		button, ok := find(rcv)
		if !ok {
			continue
		}
		buttonName = button.Name

		pkgs, err := gateway.Packages(gateway.Target{Apartment: apt, Room: room, Receiver: rcv, Button: button}, net)
		if err != nil {
			log.Printf("Receiver %q in %q: %v", rcv.Name, room.Name, err)
			errs = append(errs, err)
		}
		if len(pkgs) > 0 {
			batch = append(batch, pkgs...)
			done = append(done, activation{apt, room, rcv, button})
		}
	}

	text := strings.Join([]string{apt.Name, room.Name, buttonName}, ": ")
	if len(batch) == 0 {
		if len(errs) > 0 {
			return text, errors.Join(errs...)
		}
		return text, ErrNoReceiverSupportsAction
	}

	if err := e.submit(text, batch); err != nil {
		return text, err
	}

	e.activated(text, done)
	return text, nil
}

// ExecuteScene applies every item of a scene in order
func (e *Engine) ExecuteScene(ctx context.Context, sceneID int64) {
	e.run("scene", func() (string, error) {
		return e.executeScene(sceneID)
	})
}

func (e *Engine) executeScene(sceneID int64) (string, error) {
	scene, err := e.store.GetScene(sceneID)
	if err != nil {
		return "", err
	}
	apt, err := e.store.GetApartment(scene.ApartmentID)
	if err != nil {
		return "", err
	}
	text := apt.Name + ": " + scene.Name

	net := e.network.Current()
	rooms := make(map[int64]*storage.Room)
	var batch []transport.Package
	var done []activation
	var errs []error

	for _, item := range scene.Items {
		rcv, err := e.store.GetReceiver(item.ReceiverID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("Scene %q: receiver %d no longer exists, skipping", scene.Name, item.ReceiverID)
			continue
		}
		if err != nil {
			return text, err
		}

		button, ok := rcv.Button(item.ButtonID)
		if !ok {
			log.Printf("Scene %q: button %d of %q no longer exists, skipping", scene.Name, item.ButtonID, rcv.Name)
			continue
		}

		room, ok := rooms[rcv.RoomID]
		if !ok {
			if room, err = e.store.GetRoom(rcv.RoomID); err != nil {
				return text, err
			}
			rooms[rcv.RoomID] = room
		}

		pkgs, err := gateway.Packages(gateway.Target{Apartment: apt, Room: room, Receiver: rcv, Button: button}, net)
		if err != nil {
			log.Printf("Scene %q: receiver %q: %v", scene.Name, rcv.Name, err)
			errs = append(errs, err)
		}
		if len(pkgs) > 0 {
			batch = append(batch, pkgs...)
			done = append(done, activation{apt, room, rcv, button})
		}
	}

	if len(batch) == 0 {
		if len(errs) > 0 {
			return text, errors.Join(errs...)
		}
		return text, nil
	}

	if err := e.submit(text, batch); err != nil {
		return text, err
	}

	e.activated(text, done)
	return text, nil
}

// ExecuteAction runs a single stored action
func (e *Engine) ExecuteAction(ctx context.Context, a *storage.Action) {
	switch a.Kind {
	case storage.ActionReceiver:
		e.ExecuteReceiverButton(ctx, a.ReceiverID, a.ButtonID)
	case storage.ActionRoom:
		if a.ButtonID != 0 {
			e.ExecuteRoomButtonID(ctx, a.RoomID, a.ButtonID)
		} else {
			e.ExecuteRoomButton(ctx, a.RoomID, a.ButtonName)
		}
	case storage.ActionScene:
		e.ExecuteScene(ctx, a.SceneID)
	case storage.ActionPause:
		pause(ctx, a.Pause)
	default:
		e.run("action", func() (string, error) {
			return "", fmt.Errorf("unknown action kind %q", a.Kind)
		})
	}
}

// ExecuteActionIDs runs stored actions one after another. A failing action
// does not stop the ones after it.
func (e *Engine) ExecuteActionIDs(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if ctx.Err() != nil {
			log.Printf("Action list cancelled: %v", ctx.Err())
			return
		}

		a, err := e.store.GetAction(id)
		if err != nil {
			log.Printf("Skipping action %d: %v", id, err)
			continue
		}
		e.ExecuteAction(ctx, a)
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ExecuteTimer runs the actions of a timer and records its execution
func (e *Engine) ExecuteTimer(ctx context.Context, timerID int64) {
	t, err := e.store.GetTimer(timerID)
	if err != nil {
		log.Printf("Failed to load timer %d: %v", timerID, err)
		return
	}
	e.runTimer(ctx, t)
}

func (e *Engine) runTimer(ctx context.Context, t *storage.Timer) {
	if err := e.store.MarkTimerExecuted(t.ID, e.now()); err != nil {
		log.Printf("Failed to mark timer %q executed: %v", t.Name, err)
	}
	e.ExecuteActionIDs(ctx, t.ActionIDs)
}

// ExecuteAlarmClockEvent runs the actions bound to a system alarm clock event
func (e *Engine) ExecuteAlarmClockEvent(ctx context.Context, event string) {
	e.executeAlarm(ctx, storage.SourceAlarmClock, event)
}

// ExecuteSleepAsAndroidEvent runs the actions bound to a sleep tracker event
func (e *Engine) ExecuteSleepAsAndroidEvent(ctx context.Context, event string) {
	e.executeAlarm(ctx, storage.SourceSleepAsAndroid, event)
}

func (e *Engine) executeAlarm(ctx context.Context, source, event string) {
	ids, err := e.store.ActionIDsForAlarmEvent(source, event)
	if err != nil {
		log.Printf("Failed to load actions for %s event %q: %v", source, event, err)
		return
	}
	if len(ids) == 0 {
		log.Printf("No actions bound to %s event %q", source, event)
		return
	}
	e.ExecuteActionIDs(ctx, ids)
}

// ExecuteGeofenceEvent applies a transition and runs its actions when the
// state actually changes
func (e *Engine) ExecuteGeofenceEvent(ctx context.Context, geofenceID int64, t geofence.Transition) {
	g, err := e.store.GetGeofence(geofenceID)
	if err != nil {
		log.Printf("Failed to load geofence %d: %v", geofenceID, err)
		return
	}
	e.applyGeofence(ctx, g, t)
}

// ExecuteGeofenceLocation derives the transition of a geofence from a
// position fix and applies it
func (e *Engine) ExecuteGeofenceLocation(ctx context.Context, geofenceID int64, lat, lon float64) {
	g, err := e.store.GetGeofence(geofenceID)
	if err != nil {
		log.Printf("Failed to load geofence %d: %v", geofenceID, err)
		return
	}
	e.applyGeofence(ctx, g, geofence.Locate(g, lat, lon))
}

func (e *Engine) applyGeofence(ctx context.Context, g *storage.Geofence, t geofence.Transition) {
	state, fire := geofence.Apply(g, t)
	if !fire {
		log.Printf("Geofence %q: %s ignored in state %s", g.Name, t, g.State)
		return
	}
	if err := e.store.UpdateGeofenceState(g.ID, state); err != nil {
		log.Printf("Failed to save geofence %q state: %v", g.Name, err)
	}

	log.Printf("Geofence %q: %s", g.Name, t)
	e.ExecuteActionIDs(ctx, geofence.ActionIDs(g, t))
}

// ExecuteCallEvent runs the actions of every active call event matching
// the direction and phone number
func (e *Engine) ExecuteCallEvent(ctx context.Context, direction, phoneNumber string) {
	events, err := e.store.ListCallEvents()
	if err != nil {
		log.Printf("Failed to load call events: %v", err)
		return
	}

	number := normalizeNumber(phoneNumber)
	for _, c := range events {
		if c.Direction != direction {
			continue
		}
		for _, n := range c.PhoneNumbers {
			if normalizeNumber(n) == number {
				log.Printf("Call event %q matched", c.Name)
				e.ExecuteActionIDs(ctx, c.ActionIDs)
				break
			}
		}
	}
}

func normalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r == '+' && b.Len() == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type activation struct {
	apartment *storage.Apartment
	room      *storage.Room
	receiver  *storage.Receiver
	button    *storage.Button
}

// activated applies the side effects of successful activations
func (e *Engine) activated(text string, done []activation) {
	u := Update{History: text}
	for _, a := range done {
		if err := e.markActivated(a.receiver, a.button); err != nil {
			log.Printf("%v", err)
		}
		u.Receivers = append(u.Receivers, ReceiverState{
			ReceiverID: a.receiver.ID,
			Receiver:   a.receiver.Name,
			Room:       a.room.Name,
			Apartment:  a.apartment.Name,
			ButtonID:   a.button.ID,
			Button:     a.button.Name,
		})
	}
	e.refresh(u)
}
