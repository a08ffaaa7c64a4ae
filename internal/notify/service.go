// Package notify delivers newly created feed items to external channels.
//
// The feed service calls NotifyFeedItem synchronously after each append
// commits. This service only enqueues; a fixed pool of workers then hands
// each item to every registered NotificationDriver concurrently:
//  1. Web Push (internal/push.Service)
//  2. Webhook (WebhookDriver), an HMAC-signed POST to an operator URL
//
// A full queue drops the item; feed clients still see it on their next page.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// ErrQueueFull is returned by NotifyFeedItem when the workers are behind.
var ErrQueueFull = errors.New("notify: queue full")

// ErrClosed is returned by NotifyFeedItem after Close.
var ErrClosed = errors.New("notify: service closed")

// Result is the outcome of one driver delivery.
type Result struct {
	Driver    string    `json:"driver"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures the service.
type Options struct {
	Workers     int           // default 4
	QueueSize   int           // default 256
	SendTimeout time.Duration // per item, across all drivers; default 30s
}

type job struct {
	userID string
	item   models.FeedItem
}

// Service queues feed items and dispatches them to drivers.
// It implements contracts.FeedNotifier.
type Service struct {
	drvMu   sync.RWMutex
	drivers map[string]contracts.NotificationDriver

	qMu     sync.RWMutex
	queue   chan job
	closed  bool
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewService creates the service and starts its workers.
func NewService(opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}

	s := &Service{
		drivers: make(map[string]contracts.NotificationDriver),
		queue:   make(chan job, opts.QueueSize),
		timeout: opts.SendTimeout,
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// RegisterDriver adds or replaces the driver with the same name.
func (s *Service) RegisterDriver(driver contracts.NotificationDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Name()] = driver
	log.Info().Str("driver", driver.Name()).Msg("Registered notification driver")
}

// Drivers returns the names of the registered drivers.
func (s *Service) Drivers() []string {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	names := make([]string, 0, len(s.drivers))
	for name := range s.drivers {
		names = append(names, name)
	}
	return names
}

func (s *Service) Name() string { return "notify" }

// NotifyFeedItem enqueues item without blocking.
func (s *Service) NotifyFeedItem(_ context.Context, userID string, item models.FeedItem) error {
	s.qMu.RLock()
	defer s.qMu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.queue <- job{userID: userID, item: item}:
		metricQueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		metricDropped.Inc()
		return ErrQueueFull
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		metricQueueDepth.Set(float64(len(s.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		s.DispatchAll(ctx, j.userID, j.item)
		cancel()
	}
}

// DispatchAll sends item through every driver concurrently and returns one
// Result per driver.
func (s *Service) DispatchAll(ctx context.Context, userID string, item models.FeedItem) []Result {
	s.drvMu.RLock()
	drivers := make([]contracts.NotificationDriver, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, d)
	}
	s.drvMu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]Result, 0, len(drivers))
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d contracts.NotificationDriver) {
			defer wg.Done()
			r := s.dispatch(ctx, d, userID, item)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return results
}

func (s *Service) dispatch(ctx context.Context, d contracts.NotificationDriver, userID string, item models.FeedItem) Result {
	result := Result{Driver: d.Name(), Timestamp: time.Now().UTC()}

	start := time.Now()
	err := d.Deliver(ctx, userID, item)
	metricDeliverDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		result.Error = err.Error()
		metricDeliveries.WithLabelValues(d.Name(), "error").Inc()
		log.Warn().Err(err).Str("driver", d.Name()).Str("user", userID).Str("item", item.ID).Msg("Notification delivery failed")
		return result
	}

	result.Success = true
	metricDeliveries.WithLabelValues(d.Name(), "ok").Inc()
	log.Debug().Str("driver", d.Name()).Str("user", userID).Str("item", item.ID).Msg("Notification delivered")
	return result
}

// Close stops accepting items and waits for queued ones to be delivered,
// or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.qMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.qMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
