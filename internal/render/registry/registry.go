// Package registry advertises a running prerender instance in Redis.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/redis"
)

const (
	RegistryTTL       = 3 * time.Second // allows 2 missed heartbeats
	HeartbeatInterval = 1 * time.Second
	operationTimeout  = 2 * time.Second
)

// StatusProvider reports the live load of this instance
type StatusProvider interface {
	QueueLength() int
	InFlight() bool
	Capacity() int
}

type InstanceInfo struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	QueueDepth int       `json:"queue_depth"`
	Capacity   int       `json:"capacity"`
	Busy       bool      `json:"busy"`
	LastSeen   time.Time `json:"last_seen"`
}

func (ii *InstanceInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", ii.Address, ii.Port)
}

func (ii *InstanceInfo) IsHealthy() bool {
	return time.Now().UTC().Sub(ii.LastSeen) < RegistryTTL
}

// Registry reads and writes instance documents
type Registry struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewRegistry(redisClient *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{
		redis:  redisClient,
		logger: logger,
	}
}

// Register writes info with a fresh LastSeen and the registry TTL
func (r *Registry) Register(ctx context.Context, info *InstanceInfo) error {
	if info.ID == "" {
		return fmt.Errorf("instance ID is required")
	}
	if info.Port <= 0 {
		return fmt.Errorf("instance port must be positive")
	}

	info.LastSeen = time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}

	if err := r.redis.Set(ctx, redis.InstanceKey(info.ID), data, RegistryTTL); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	if err := r.redis.HSet(ctx, redis.InstanceListKey, info.ID, info.URL()); err != nil {
		return fmt.Errorf("failed to add instance to list: %w", err)
	}

	return nil
}

func (r *Registry) Unregister(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("instance ID is required")
	}

	if err := r.redis.Del(ctx, redis.InstanceKey(id)); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if err := r.redis.HDel(ctx, redis.InstanceListKey, id); err != nil {
		return fmt.Errorf("failed to remove instance from list: %w", err)
	}

	r.logger.Info("Instance unregistered", zap.String("instance_id", id))
	return nil
}

// Get returns nil without error when the instance key has expired
func (r *Registry) Get(ctx context.Context, id string) (*InstanceInfo, error) {
	data, err := r.redis.Get(ctx, redis.InstanceKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var info InstanceInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance info: %w", err)
	}
	return &info, nil
}

// List returns the healthy instances sorted by ID. Expired entries are removed from the list.
func (r *Registry) List(ctx context.Context) ([]*InstanceInfo, error) {
	ids, err := r.redis.HGetAll(ctx, redis.InstanceListKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]*InstanceInfo, 0, len(ids))
	var stale []string
	for id := range ids {
		info, err := r.Get(ctx, id)
		if err != nil {
			r.logger.Warn("Failed to read instance", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		if info == nil || !info.IsHealthy() {
			stale = append(stale, id)
			continue
		}
		instances = append(instances, info)
	}

	if len(stale) > 0 {
		if err := r.redis.HDel(ctx, redis.InstanceListKey, stale...); err != nil {
			r.logger.Warn("Failed to clean up stale instances", zap.Error(err))
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
	return instances, nil
}

// Heartbeat republishes one instance every HeartbeatInterval until stopped
type Heartbeat struct {
	registry *Registry
	status   StatusProvider
	logger   *zap.Logger
	interval time.Duration

	id      string
	address string
	port    int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewHeartbeat(registry *Registry, status StatusProvider, id, address string, port int, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		status:   status,
		logger:   logger,
		interval: HeartbeatInterval,
		id:       id,
		address:  address,
		port:     port,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start publishes once synchronously, so a misconfigured Redis fails startup, then keeps publishing
func (h *Heartbeat) Start() error {
	if err := h.publish(); err != nil {
		return err
	}

	h.logger.Info("Instance registered",
		zap.String("instance_id", h.id),
		zap.String("address", h.address),
		zap.Int("port", h.port))

	go h.loop()
	return nil
}

// Stop ends the heartbeat and removes the instance
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh

		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		if err := h.registry.Unregister(ctx, h.id); err != nil {
			h.logger.Warn("Failed to unregister instance", zap.String("instance_id", h.id), zap.Error(err))
		}
	})
}

func (h *Heartbeat) loop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.publish(); err != nil {
				h.logger.Warn("Heartbeat failed", zap.String("instance_id", h.id), zap.Error(err))
			}
		}
	}
}

func (h *Heartbeat) publish() error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	return h.registry.Register(ctx, h.snapshot())
}

func (h *Heartbeat) snapshot() *InstanceInfo {
	return &InstanceInfo{
		ID:         h.id,
		Address:    h.address,
		Port:       h.port,
		QueueDepth: h.status.QueueLength(),
		Capacity:   h.status.Capacity(),
		Busy:       h.status.InFlight(),
	}
}
