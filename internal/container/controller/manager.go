package controller

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/docker"
	"github.com/msfailab/msfailab/internal/container/ports"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// Manager owns the controller registry. It spawns one controller per
// container record and runs the boot-time adoption sweep that reattaches
// surviving containers to their records.
type Manager struct {
	docker docker.Adapter
	rpc    rpc.API
	ports  *ports.Allocator
	bus    bus.EventBus
	config *config.Config
	logger *logger.Logger

	mu          sync.RWMutex
	controllers map[int64]*Controller
}

// NewManager creates an empty controller registry.
func NewManager(d docker.Adapter, r rpc.API, alloc *ports.Allocator, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		docker:      d,
		rpc:         r,
		ports:       alloc,
		bus:         eventBus,
		config:      cfg,
		logger:      log,
		controllers: make(map[int64]*Controller),
	}
}

// Ensure returns the controller for the record, creating one if needed.
func (m *Manager) Ensure(record Record) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctrl, ok := m.controllers[record.ID]; ok {
		return ctrl
	}
	ctrl := New(record, Deps{
		Docker:    m.docker,
		RPC:       m.rpc,
		Ports:     m.ports,
		UsedPorts: func() map[int]bool { return m.usedPortsExcept(record.ID) },
		Bus:       m.bus,
		Config:    m.config,
		Logger:    m.logger,
	})
	m.controllers[record.ID] = ctrl
	return ctrl
}

// Get returns the controller for a record id.
func (m *Manager) Get(recordID int64) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.controllers[recordID]
	return ctrl, ok
}

// Remove stops and forgets the controller for a record id.
func (m *Manager) Remove(ctx context.Context, recordID int64) {
	m.mu.Lock()
	ctrl, ok := m.controllers[recordID]
	delete(m.controllers, recordID)
	m.mu.Unlock()
	if ok {
		ctrl.Stop(ctx)
	}
}

// usedPortsExcept collects the ports held by all live controllers other than
// the requesting one.
func (m *Manager) usedPortsExcept(recordID int64) map[int]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	used := make(map[int]bool)
	for id, ctrl := range m.controllers {
		if id == recordID {
			continue
		}
		if port := ctrl.HeldPort(); port > 0 {
			used[port] = true
		}
	}
	return used
}

// AdoptOrStart boots the given records: containers surviving from a previous
// run are adopted by record id label; the rest start fresh.
func (m *Manager) AdoptOrStart(ctx context.Context, records []Record) {
	labelPrefix := m.config.Docker.LabelPrefix
	if labelPrefix == "" {
		labelPrefix = "msfailab"
	}

	survivors := make(map[int64]string)
	managed, err := m.docker.ListManagedContainers(ctx)
	if err != nil {
		m.logger.Warn("adoption sweep failed to list containers", zap.Error(err))
	} else {
		for _, ctr := range managed {
			if ctr.State != "running" {
				continue
			}
			raw, ok := ctr.Labels[labelPrefix+".record_id"]
			if !ok {
				continue
			}
			recordID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			survivors[recordID] = ctr.ID
		}
	}

	for _, record := range records {
		ctrl := m.Ensure(record)
		if dockerID, ok := survivors[record.ID]; ok {
			m.logger.Info("adopting surviving container",
				zap.Int64("record_id", record.ID),
				zap.String("docker_container_id", dockerID))
			ctrl.AdoptDockerContainer(dockerID)
		} else {
			ctrl.StartNew()
		}
	}
}

// StopAll shuts every controller down, in parallel, bounded by the context.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		controllers = append(controllers, ctrl)
	}
	m.controllers = make(map[int64]*Controller)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ctrl := range controllers {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Stop(ctx)
		}(ctrl)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("timed out stopping controllers")
	case <-time.After(60 * time.Second):
		m.logger.Warn("timed out stopping controllers")
	}
}
