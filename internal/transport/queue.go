// Package transport delivers gateway payloads over UDP through a single
// paced send queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoConnection is returned when a batch is submitted while offline
	ErrNoConnection = errors.New("missing network connection")
	ErrNotRunning   = errors.New("send queue not running")
	ErrQueueFull    = errors.New("send queue full")
)

// Package is one UDP datagram for a gateway
type Package struct {
	Host    string
	Port    int
	Message string
	Timeout time.Duration // Minimum gap before the next package to the same gateway
}

// Endpoint returns host:port of the package's destination
func (p Package) Endpoint() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Sender transmits a single package
type Sender interface {
	Send(ctx context.Context, p Package) error
}

// Result reports the outcome of one submitted batch
type Result struct {
	BatchID uuid.UUID
	Sent    int
	Failed  int
}

// Config holds send queue configuration
type Config struct {
	DefaultDelay  time.Duration // Gap between packages to different gateways
	ErrorCooldown time.Duration // Pause after a failed package
	QueueSize     int           // Maximum number of pending batches
	Debug         bool          // Log every transmitted package
}

// DefaultConfig returns the default pacing
func DefaultConfig() Config {
	return Config{
		DefaultDelay:  1000 * time.Millisecond,
		ErrorCooldown: 2 * time.Second,
		QueueSize:     64,
	}
}

type batch struct {
	id       uuid.UUID
	packages []Package
	result   chan Result
}

// Queue sends batches strictly one package at a time
type Queue struct {
	config Config
	sender Sender
	online func() bool

	batchChan chan *batch
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool

	// Owned by the worker goroutine
	last   *Package
	lastAt time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a send queue. online reports connectivity at submission
// time; nil means always online.
func New(config Config, sender Sender, online func() bool) *Queue {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Queue{
		config: config,
		sender: sender,
		online: online,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Start launches the worker. Cancelling ctx stops the queue: batches
// already queued still run to completion with their pacing.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("send queue already running")
	}
	q.running = true
	q.batchChan = make(chan *batch, q.config.QueueSize)
	q.done = make(chan struct{})
	q.mu.Unlock()

	q.wg.Add(1)
	go q.sendLoop(context.WithoutCancel(ctx))

	done := q.done
	go func() {
		select {
		case <-ctx.Done():
			q.Stop()
		case <-done:
		}
	}()

	log.Printf("Send queue started: default delay %v, error cooldown %v",
		q.config.DefaultDelay, q.config.ErrorCooldown)
	return nil
}

// Stop refuses new batches and waits until the queued ones are sent
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.batchChan)
	q.mu.Unlock()

	q.wg.Wait()
	close(q.done)
}

// Submit enqueues a batch of packages. The returned channel receives a
// single Result once the batch has been processed.
func (q *Queue) Submit(packages []Package) (<-chan Result, error) {
	if q.online != nil && !q.online() {
		return nil, ErrNoConnection
	}

	b := &batch{
		id:       uuid.New(),
		packages: packages,
		result:   make(chan Result, 1),
	}

	if len(packages) == 0 {
		b.result <- Result{BatchID: b.id}
		close(b.result)
		return b.result, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil, ErrNotRunning
	}

	select {
	case q.batchChan <- b:
		return b.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// sendLoop drains batches in submission order
func (q *Queue) sendLoop(ctx context.Context) {
	defer q.wg.Done()

	for b := range q.batchChan {
		res := Result{BatchID: b.id}
		for _, p := range b.packages {
			if q.send(ctx, p) {
				res.Sent++
			} else {
				res.Failed++
			}
		}
		if q.config.Debug {
			log.Printf("Batch %s done: %d sent, %d failed", b.id, res.Sent, res.Failed)
		}
		b.result <- res
		close(b.result)
	}
}

// send waits out the pacing gap to the previous package and transmits p
func (q *Queue) send(ctx context.Context, p Package) bool {
	if q.last != nil {
		delay := q.config.DefaultDelay
		if q.last.Endpoint() == p.Endpoint() {
			delay = q.last.Timeout
		}
		if wait := delay - q.now().Sub(q.lastAt); wait > 0 {
			q.sleep(ctx, wait)
		}
	}

	err := q.sender.Send(ctx, p)
	q.last = &p
	q.lastAt = q.now()

	if err != nil {
		log.Printf("Failed to send package to %s: %v", p.Endpoint(), err)
		q.sleep(ctx, q.config.ErrorCooldown)
		return false
	}

	if q.config.Debug {
		log.Printf("TX %s: %s", p.Endpoint(), p.Message)
	}
	return true
}
