package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"ecopulse/internal/device"
	"ecopulse/internal/telemetry"
)

var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrVoltageLimitRange   = fmt.Errorf("voltage limit must be between %g and %g", telemetry.MinVoltageLimit, telemetry.MaxVoltageLimit)
	ErrInsufficientHistory = fmt.Errorf("at least %d readings are required", MinIdentifySamples)
	ErrInvalidNode         = errors.New("node name must not be empty and kind must be lightbulb, fan, heater or other")
)

// MinIdentifySamples is the history length needed before a node can be identified.
const MinIdentifySamples = 5

// Publisher receives every snapshot produced by a tick.
type Publisher interface {
	Publish(nodes []telemetry.Node, agg telemetry.AggregateMetrics) error
	Close()
}

// Observer is notified of every snapshot, including those produced by user intents.
type Observer interface {
	ObserveSnapshot(nodes []telemetry.Node, agg telemetry.AggregateMetrics)
}

// RelaySender delivers the light-bulb on/off command. The result may be ignored.
type RelaySender interface {
	SendRelay(on bool) <-chan device.Result
}

// Identifier classifies a node from its recent readings.
type Identifier interface {
	PredictDeviceType(ctx context.Context, history []telemetry.EnergyReading) string
}

type Snapshot struct {
	Nodes        []telemetry.Node `json:"nodes"`
	VoltageLimit float64          `json:"voltage_limit"`
	Ticks        uint64           `json:"ticks"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Collector owns the authoritative node collection. Every operation swaps in a new
// slice, so a Snapshot is never modified after it is returned.
type Collector struct {
	publisher Publisher
	observer  Observer
	relay     RelaySender
	interval  time.Duration
	onTick    func()
	log       *slog.Logger

	mu           sync.RWMutex
	nodes        []telemetry.Node
	voltageLimit float64
	ticks        uint64
	updatedAt    time.Time
	rng          telemetry.Rand
	now          func() time.Time
	isCollecting bool
	done         chan struct{}
}

type CollectorConfig struct {
	Publisher    Publisher
	Observer     Observer
	Relay        RelaySender
	Interval     time.Duration
	VoltageLimit float64
	Nodes        []telemetry.Node
	Rand         telemetry.Rand
	Now          func() time.Time
	// OnTick runs after each tick has been applied and published.
	OnTick func()
	Logger *slog.Logger
}

func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if !telemetry.ValidVoltageLimit(cfg.VoltageLimit) {
		cfg.VoltageLimit = telemetry.DefaultVoltageLimit
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	nodes := make([]telemetry.Node, len(cfg.Nodes))
	copy(nodes, cfg.Nodes)

	return &Collector{
		publisher:    cfg.Publisher,
		observer:     cfg.Observer,
		relay:        cfg.Relay,
		interval:     cfg.Interval,
		onTick:       cfg.OnTick,
		log:          cfg.Logger,
		nodes:        nodes,
		voltageLimit: cfg.VoltageLimit,
		rng:          cfg.Rand,
		now:          cfg.Now,
	}
}

// DefaultNodes is the single bulb a fresh dashboard starts with.
func DefaultNodes() []telemetry.Node {
	return []telemetry.Node{{
		ID:               "bulb-01",
		Name:             "Smart Light Bulb",
		Kind:             telemetry.KindLightbulb,
		IsOn:             true,
		BasePower:        telemetry.KindLightbulb.BasePower(),
		CurrentPower:     12.5,
		CurrentVoltage:   220,
		CurrentPowerLoss: 0.4,
		History:          []telemetry.EnergyReading{},
	}}
}

// Start runs the simulation until ctx is cancelled. The ticker is released on return.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isCollecting {
		c.mu.Unlock()
		return errors.New("collector already running")
	}
	c.isCollecting = true
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isCollecting = false
		c.mu.Unlock()
		close(done)
	}()

	c.log.Info("collector_started", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("collector_stopped")
			return nil
		case <-ticker.C:
			c.Tick()
			if c.onTick != nil {
				c.onTick()
			}
		}
	}
}

// Tick applies one simulation step and fans the result out.
func (c *Collector) Tick() Snapshot {
	now := c.now()
	c.mu.Lock()
	c.nodes = telemetry.Advance(c.nodes, c.voltageLimit, c.rng, now)
	c.ticks++
	c.updatedAt = now
	snap := c.snapshotLocked()
	agg := telemetry.Aggregate(snap.Nodes)
	c.notifyLocked(snap.Nodes, agg)
	c.mu.Unlock()

	if c.publisher != nil {
		if err := c.publisher.Publish(snap.Nodes, agg); err != nil {
			c.log.Warn("publish_failed", "error", err.Error())
		}
	}

	c.log.Debug("tick_applied",
		"tick", snap.Ticks,
		"nodes", agg.NodeCount,
		"active", agg.ActiveCount,
		"total_power_w", agg.TotalPower,
		"total_loss_w", agg.TotalLoss)

	return snap
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	return Snapshot{
		Nodes:        c.nodes,
		VoltageLimit: c.voltageLimit,
		Ticks:        c.ticks,
		UpdatedAt:    c.updatedAt,
	}
}

func (c *Collector) Aggregate() telemetry.AggregateMetrics {
	return telemetry.Aggregate(c.Snapshot().Nodes)
}

// apply swaps in the result of fn and notifies the observer.
func (c *Collector) apply(fn func([]telemetry.Node) []telemetry.Node) []telemetry.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = fn(c.nodes)
	c.notifyLocked(c.nodes, telemetry.Aggregate(c.nodes))
	return c.nodes
}

// notifyLocked runs under c.mu so the observer sees snapshots in mutation order.
// The observer must not call back into the collector.
func (c *Collector) notifyLocked(nodes []telemetry.Node, agg telemetry.AggregateMetrics) {
	if c.observer != nil {
		c.observer.ObserveSnapshot(nodes, agg)
	}
}

// Toggle flips a node. Switching a light bulb also sends the relay command.
func (c *Collector) Toggle(id string) (telemetry.Node, error) {
	var toggled *telemetry.Node
	c.apply(func(nodes []telemetry.Node) []telemetry.Node {
		var out []telemetry.Node
		out, toggled = telemetry.Toggle(nodes, id)
		return out
	})
	if toggled == nil {
		return telemetry.Node{}, ErrNodeNotFound
	}

	c.log.Info("node_toggled", "id", toggled.ID, "name", toggled.Name, "on", toggled.IsOn)
	if toggled.Kind == telemetry.KindLightbulb && c.relay != nil {
		c.relay.SendRelay(toggled.IsOn)
	}
	return *toggled, nil
}

// Add registers a node and returns it.
func (c *Collector) Add(name string, kind telemetry.Kind) (telemetry.Node, error) {
	if strings.TrimSpace(name) == "" || kind.BasePower() == 0 {
		return telemetry.Node{}, ErrInvalidNode
	}

	var before int
	nodes := c.apply(func(nodes []telemetry.Node) []telemetry.Node {
		before = len(nodes)
		return telemetry.Add(nodes, name, kind)
	})
	if len(nodes) == before {
		return telemetry.Node{}, ErrInvalidNode
	}

	added := nodes[len(nodes)-1]
	c.log.Info("node_added", "id", added.ID, "name", added.Name, "kind", string(added.Kind))
	return added, nil
}

func (c *Collector) Remove(id string) error {
	var found bool
	c.apply(func(nodes []telemetry.Node) []telemetry.Node {
		_, found = telemetry.Find(nodes, id)
		return telemetry.Remove(nodes, id)
	})
	if !found {
		return ErrNodeNotFound
	}

	c.log.Info("node_removed", "id", id)
	return nil
}

func (c *Collector) VoltageLimit() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voltageLimit
}

// SetVoltageLimit takes effect from the next tick.
func (c *Collector) SetVoltageLimit(v float64) error {
	if !telemetry.ValidVoltageLimit(v) {
		return ErrVoltageLimitRange
	}

	c.mu.Lock()
	c.voltageLimit = v
	c.mu.Unlock()

	c.log.Info("voltage_limit_updated", "voltage_limit", v)
	return nil
}

// Identify classifies a node and stores the prediction on it. The identifier runs
// without holding the lock; if the node is removed meanwhile the result is dropped.
func (c *Collector) Identify(ctx context.Context, id string, identifier Identifier) (string, error) {
	node, ok := telemetry.Find(c.Snapshot().Nodes, id)
	if !ok {
		return "", ErrNodeNotFound
	}
	if len(node.History) < MinIdentifySamples {
		return "", ErrInsufficientHistory
	}

	prediction := identifier.PredictDeviceType(ctx, node.History)
	c.apply(func(nodes []telemetry.Node) []telemetry.Node {
		return telemetry.SetPrediction(nodes, id, prediction)
	})

	c.log.Info("node_identified", "id", id, "prediction", prediction)
	return prediction, nil
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

// Stop waits for a running Start to return and then closes the publisher. Cancel
// the Start context first.
func (c *Collector) Stop() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done != nil {
		<-done
	}

	if c.publisher != nil {
		c.publisher.Close()
	}
}
