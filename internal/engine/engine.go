// Package engine executes receiver, room, scene and event actions by
// resolving gateways and handing the resulting packages to the send queue.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/homectl/rfswitch/internal/netstate"
	"github.com/homectl/rfswitch/internal/storage"
	"github.com/homectl/rfswitch/internal/transport"
)

// Preferences are the user toggles that gate refresh notifications
type Preferences struct {
	RefreshWidgets bool
	SyncWearable   bool
}

// Config holds engine configuration
type Config struct {
	Preferences        Preferences
	HistoryRetention   time.Duration // 0 keeps history forever
	PruneInterval      time.Duration
	TimerCheckInterval time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Preferences:        Preferences{RefreshWidgets: true, SyncWearable: true},
		HistoryRetention:   30 * 24 * time.Hour,
		PruneInterval:      1 * time.Hour,
		TimerCheckInterval: 15 * time.Second,
	}
}

// Store is the persistence the engine reads targets from and writes
// side effects to
type Store interface {
	GetApartment(id int64) (*storage.Apartment, error)
	GetRoom(id int64) (*storage.Room, error)
	GetReceiver(id int64) (*storage.Receiver, error)
	GetScene(id int64) (*storage.Scene, error)
	GetAction(id int64) (*storage.Action, error)
	GetGeofence(id int64) (*storage.Geofence, error)
	GetTimer(id int64) (*storage.Timer, error)
	ListTimers(activeOnly bool) ([]*storage.Timer, error)
	ListCallEvents() ([]*storage.CallEvent, error)
	ActionIDsForAlarmEvent(source, event string) ([]int64, error)
	SetLastActivatedButton(receiverID, buttonID int64) error
	UpdateGeofenceState(id int64, state storage.GeofenceState) error
	MarkTimerExecuted(id int64, at time.Time) error
	InsertHistory(h *storage.HistoryItem) (int64, error)
	PruneHistory(before time.Time) (int64, error)
}

// Dispatcher accepts batches of packages for sending
type Dispatcher interface {
	Submit(packages []transport.Package) (<-chan transport.Result, error)
}

// Engine is the action handler
type Engine struct {
	config   Config
	store    Store
	queue    Dispatcher
	network  netstate.Provider
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Serializes last activated button writes
	writeMu sync.Mutex

	mu       sync.RWMutex
	onStatus func(Status)
	widgets  Refresher
	wearable Refresher

	now func() time.Time
}

// New creates a new engine instance
func New(config Config, store Store, queue Dispatcher, network netstate.Provider) *Engine {
	return &Engine{
		config:   config,
		store:    store,
		queue:    queue,
		network:  network,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// SetStatusHandler sets the callback for user visible status messages
func (e *Engine) SetStatusHandler(fn func(Status)) {
	e.mu.Lock()
	e.onStatus = fn
	e.mu.Unlock()
}

// SetWidgetRefresher sets the home screen widget refresher
func (e *Engine) SetWidgetRefresher(r Refresher) {
	e.mu.Lock()
	e.widgets = r
	e.mu.Unlock()
}

// SetWearableRefresher sets the wearable companion refresher
func (e *Engine) SetWearableRefresher(r Refresher) {
	e.mu.Lock()
	e.wearable = r
	e.mu.Unlock()
}

// SetPreferences replaces the refresh preferences
func (e *Engine) SetPreferences(p Preferences) {
	e.mu.Lock()
	e.config.Preferences = p
	e.mu.Unlock()
}

// Start starts the timer and history retention loops
func (e *Engine) Start(ctx context.Context) error {
	if e.config.TimerCheckInterval > 0 {
		e.wg.Add(1)
		go e.timerLoop(ctx)
	}

	if e.config.HistoryRetention > 0 && e.config.PruneInterval > 0 {
		e.wg.Add(1)
		go e.pruneLoop(ctx)
	}

	log.Println("Engine started")
	return nil
}

// Stop stops the background loops. Calling it again is a no-op.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		log.Println("Engine stopped")
	})
	return nil
}

// timerLoop evaluates active timers periodically
func (e *Engine) timerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TimerCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkTimers(ctx)
		}
	}
}

// checkTimers fires every active timer that is due
func (e *Engine) checkTimers(ctx context.Context) {
	timers, err := e.store.ListTimers(true)
	if err != nil {
		log.Printf("Failed to list timers: %v", err)
		return
	}

	now := e.now()
	window := e.config.TimerCheckInterval
	if window < time.Minute {
		window = time.Minute
	}

	for _, t := range timers {
		if Due(t, now, window) {
			log.Printf("Timer %q due", t.Name)
			e.runTimer(ctx, t)
		}
	}
}

// pruneLoop deletes history older than the retention window
func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()

	e.pruneHistory()

	ticker := time.NewTicker(e.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pruneHistory()
		}
	}
}

func (e *Engine) pruneHistory() {
	n, err := e.store.PruneHistory(e.now().Add(-e.config.HistoryRetention))
	if err != nil {
		log.Printf("Failed to prune history: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Pruned %d history entries", n)
	}
}

// submit hands a batch to the send queue and logs its outcome
func (e *Engine) submit(text string, packages []transport.Package) error {
	ch, err := e.queue.Submit(packages)
	if err != nil {
		return err
	}

	go func() {
		res, ok := <-ch
		if ok && res.Failed > 0 {
			log.Printf("%s: %d of %d packages failed (batch %s)", text, res.Failed, res.Sent+res.Failed, res.BatchID)
		}
	}()
	return nil
}

// markActivated records the button a receiver was switched with, in the
// record and in storage
func (e *Engine) markActivated(r *storage.Receiver, b *storage.Button) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	r.LastActivatedButtonID = b.ID
	if err := e.store.SetLastActivatedButton(r.ID, b.ID); err != nil {
		return fmt.Errorf("save last activated button of %q: %w", r.Name, err)
	}
	return nil
}

// writeHistory appends a history entry; failures are only logged
func (e *Engine) writeHistory(text string) {
	if text == "" {
		return
	}
	if _, err := e.store.InsertHistory(&storage.HistoryItem{Time: e.now(), Text: text}); err != nil {
		log.Printf("Failed to write history %q: %v", text, err)
	}
}
