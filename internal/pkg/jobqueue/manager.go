package jobqueue

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue         *Queue
	subscriptions repository.SubscriptionRepository
	expiryTicker  *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// Setup builds the global manager (singleton). Must be called once at
// startup before GetManager.
func Setup(invoices InvoiceProcessor, subscriptions repository.SubscriptionRepository) *Manager {
	managerOnce.Do(func() {
		workerCount := 3
		if v, err := strconv.Atoi(env.GetEnv("JOB_WORKERS", "3")); err == nil && v > 0 {
			workerCount = v
		}

		globalManager = &Manager{
			queue:         NewQueue(workerCount, invoices),
			subscriptions: subscriptions,
			stopCh:        make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global job queue manager.
func GetManager() *Manager {
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	expiryInterval := 15 * time.Minute
	if v, err := strconv.Atoi(env.GetEnv("SUBSCRIPTION_EXPIRY_SWEEP_MINUTES", "15")); err == nil && v > 0 {
		expiryInterval = time.Duration(v) * time.Minute
	}
	m.expiryTicker = time.NewTicker(expiryInterval)
	m.wg.Add(1)
	go m.expiryWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.expiryTicker != nil {
		m.expiryTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// expiryWorker periodically marks subscriptions whose paid window has
// lapsed as expired, so reads that never hit the resolver still converge.
func (m *Manager) expiryWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Expiry worker stopping")
			return
		case <-m.expiryTicker.C:
			if err := m.runExpirySweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Expiry sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) runExpirySweepOnce() error {
	if m.subscriptions == nil {
		return nil
	}
	count, err := m.subscriptions.ExpireLapsed(time.Now())
	if err != nil {
		return err
	}
	if count > 0 {
		log.Infof("[JobQueue Manager] Marked %d lapsed subscriptions %s", count, models.SubscriptionStatusExpired)
	}
	return nil
}

// RunExpirySweepOnce exposes a manual trigger for a single expiry sweep (admin use).
func (m *Manager) RunExpirySweepOnce() error {
	return m.runExpirySweepOnce()
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
