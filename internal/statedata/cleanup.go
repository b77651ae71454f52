package statedata

import (
	"context"
	"time"

	"github.com/dgellow/oidc-spa/internal/log"
)

// CleanupManager periodically sweeps abandoned StateData entries for pages
// that stay open long enough for attempts to pile up.
type CleanupManager struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(store *Store, ttl, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		store:    store,
		ttl:      ttl,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogDebugWithFields("statedata", "Starting state data cleanup", map[string]any{
		"interval": cm.interval.String(),
		"ttl":      cm.ttl.String(),
	})

	go cm.run(ctx)
}

// Stop stops the loop and waits for it to exit
func (cm *CleanupManager) Stop() {
	close(cm.stopChan)
	<-cm.doneChan
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup()

	for {
		select {
		case <-ticker.C:
			cm.cleanup()
		case <-cm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup() {
	if count := cm.store.Sweep(cm.ttl); count > 0 {
		log.LogInfoWithFields("statedata", "Removed stale state data", map[string]any{
			"count": count,
		})
	}
}
