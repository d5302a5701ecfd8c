// Package telemetry holds the appliance node model and the pure transitions the
// collector applies to it. Every function returns a new slice and never mutates
// the slice or history it was given, so a snapshot handed to a reader stays valid.
package telemetry

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the display format of EnergyReading.Timestamp.
const TimestampLayout = "15:04:05"

// Rand is the randomness the simulation draws from. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Advance applies one simulation tick to every node.
func Advance(nodes []Node, voltageLimit float64, rng Rand, now time.Time) []Node {
	timestamp := now.Local().Format(TimestampLayout)
	out := make([]Node, len(nodes))

	for i, n := range nodes {
		reading := EnergyReading{Timestamp: timestamp}
		if n.IsOn {
			jitter := 0.95 + rng.Float64()*0.1
			reading.Power = n.BasePower * jitter
			reading.PowerLoss = reading.Power * (0.03 + rng.Float64()*0.03)
			reading.Voltage = math.Min(215+rng.Float64()*10, voltageLimit)
		}

		n.CurrentPower = reading.Power
		n.CurrentVoltage = reading.Voltage
		n.CurrentPowerLoss = reading.PowerLoss
		n.History = appendReading(n.History, reading)
		out[i] = n
	}

	return out
}

// appendReading returns a fresh history slice with r at the end, trimmed to HistorySize.
func appendReading(history []EnergyReading, r EnergyReading) []EnergyReading {
	if len(history) >= HistorySize {
		history = history[len(history)-HistorySize+1:]
	}
	next := make([]EnergyReading, len(history), len(history)+1)
	copy(next, history)
	return append(next, r)
}

// Toggle flips IsOn for the node with the given id. The returned pointer is a copy
// of the toggled node, or nil when no node matched.
func Toggle(nodes []Node, id string) ([]Node, *Node) {
	out := make([]Node, len(nodes))
	copy(out, nodes)

	for i := range out {
		if out[i].ID == id {
			out[i].IsOn = !out[i].IsOn
			toggled := out[i]
			return out, &toggled
		}
	}
	return out, nil
}

// Add appends a new, switched-off node. Blank names and unknown kinds are ignored.
func Add(nodes []Node, name string, kind Kind) []Node {
	out := make([]Node, len(nodes), len(nodes)+1)
	copy(out, nodes)

	if strings.TrimSpace(name) == "" {
		return out
	}
	if _, ok := basePowers[kind]; !ok {
		return out
	}

	return append(out, Node{
		ID:        newID(),
		Name:      name,
		Kind:      kind,
		BasePower: kind.BasePower(),
		History:   []EnergyReading{},
	})
}

// UUIDv7 carries the creation time in its leading bits.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func Remove(nodes []Node, id string) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// SetPrediction stores an identification result on the node with the given id.
func SetPrediction(nodes []Node, id, prediction string) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)

	for i := range out {
		if out[i].ID == id {
			out[i].AIPrediction = prediction
			break
		}
	}
	return out
}

// Find returns a copy of the node with the given id.
func Find(nodes []Node, id string) (Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// LastPowerSamples returns up to n of the most recent power values, oldest first.
func LastPowerSamples(node Node, n int) []float64 {
	history := node.History
	if len(history) > n {
		history = history[len(history)-n:]
	}
	samples := make([]float64, len(history))
	for i, r := range history {
		samples[i] = r.Power
	}
	return samples
}

// Aggregate sums the current state across nodes. The history series follows the
// first node's samples; a node missing an index contributes zero there.
func Aggregate(nodes []Node) AggregateMetrics {
	m := AggregateMetrics{
		NodeCount: len(nodes),
		History:   []AggregatePoint{},
	}

	for _, n := range nodes {
		m.TotalPower += n.CurrentPower
		m.TotalLoss += n.CurrentPowerLoss
		if n.IsOn {
			m.ActiveCount++
		}
	}

	if len(nodes) == 0 {
		return m
	}

	m.SystemVoltage = nodes[0].CurrentVoltage
	for i, r := range nodes[0].History {
		point := AggregatePoint{Timestamp: r.Timestamp}
		for _, n := range nodes {
			if i < len(n.History) {
				point.Power += n.History[i].Power
				point.Loss += n.History[i].PowerLoss
			}
		}
		m.History = append(m.History, point)
	}

	return m
}

func ProjectBilling(totalPower, totalLoss, ratePerKWh float64) BillingProjection {
	daily := totalPower * 24 / 1000
	return BillingProjection{
		RatePerKWh:             ratePerKWh,
		EstimatedDailyKWh:      daily,
		EstimatedMonthlyCost:   daily * 30 * ratePerKWh,
		CurrentLoadCostPerHour: (totalPower / 1000) * ratePerKWh,
		MonthlyLossCost:        (totalLoss / 1000) * ratePerKWh * 24 * 30,
	}
}

// ValidVoltageLimit reports whether v is an accepted voltage limit.
func ValidVoltageLimit(v float64) bool {
	return v >= MinVoltageLimit && v <= MaxVoltageLimit
}
