package telemetry

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRand struct {
	values []float64
	i      int
}

func (f *fixedRand) Float64() float64 {
	v := f.values[f.i%len(f.values)]
	f.i++
	return v
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

var tickTime = time.Date(2026, 1, 1, 12, 30, 45, 0, time.Local)

func bulb(on bool) Node {
	return Node{ID: "bulb-01", Name: "Smart Light Bulb", Kind: KindLightbulb, IsOn: on, BasePower: 12}
}

func TestAdvanceOffNodeRecordsZeros(t *testing.T) {
	nodes := []Node{{ID: "a", Kind: KindFan, BasePower: 55, CurrentPower: 50, CurrentVoltage: 220, CurrentPowerLoss: 2}}

	out := Advance(nodes, 230, newRand(), tickTime)

	require.Len(t, out, 1)
	n := out[0]
	assert.Zero(t, n.CurrentPower)
	assert.Zero(t, n.CurrentVoltage)
	assert.Zero(t, n.CurrentPowerLoss)
	require.Len(t, n.History, 1)
	assert.Equal(t, EnergyReading{Timestamp: "12:30:45"}, n.History[0])
}

func TestAdvanceOnNodeStaysInBounds(t *testing.T) {
	rng := newRand()
	nodes := []Node{bulb(true), {ID: "h", Kind: KindHeater, IsOn: true, BasePower: 1500}}

	for tick := 0; tick < 200; tick++ {
		nodes = Advance(nodes, 230, rng, tickTime)
		for _, n := range nodes {
			assert.GreaterOrEqual(t, n.CurrentPower, n.BasePower*0.95)
			assert.LessOrEqual(t, n.CurrentPower, n.BasePower*1.05)
			assert.GreaterOrEqual(t, n.CurrentPowerLoss, n.CurrentPower*0.03)
			assert.LessOrEqual(t, n.CurrentPowerLoss, n.CurrentPower*0.06)
			assert.GreaterOrEqual(t, n.CurrentVoltage, 215.0)
			assert.LessOrEqual(t, n.CurrentVoltage, 225.0)
		}
	}
}

func TestAdvanceUsesDrawnValues(t *testing.T) {
	rng := &fixedRand{values: []float64{0.5, 0.5, 0.5}}

	out := Advance([]Node{{ID: "o", Kind: KindOther, IsOn: true, BasePower: 100}}, 230, rng, tickTime)

	assert.InDelta(t, 100.0, out[0].CurrentPower, 1e-9)
	assert.InDelta(t, 4.5, out[0].CurrentPowerLoss, 1e-9)
	assert.InDelta(t, 220.0, out[0].CurrentVoltage, 1e-9)
}

func TestAdvanceClampsVoltageToLimit(t *testing.T) {
	rng := newRand()
	nodes := []Node{bulb(true)}

	for tick := 0; tick < 50; tick++ {
		nodes = Advance(nodes, 120, rng, tickTime)
		assert.Equal(t, 120.0, nodes[0].CurrentVoltage)
	}
}

func TestAdvanceHistoryIsBoundedFIFO(t *testing.T) {
	nodes := []Node{bulb(true)}
	rng := newRand()

	for tick := 0; tick < 25; tick++ {
		nodes = Advance(nodes, 230, rng, tickTime.Add(time.Duration(tick)*time.Second))
	}

	history := nodes[0].History
	require.Len(t, history, HistorySize)
	assert.Equal(t, "12:30:50", history[0].Timestamp)
	assert.Equal(t, "12:31:09", history[HistorySize-1].Timestamp)
	for _, r := range history {
		assert.GreaterOrEqual(t, r.Power, 11.4)
		assert.LessOrEqual(t, r.Power, 12.6)
	}
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	nodes := Advance([]Node{bulb(true)}, 230, newRand(), tickTime)
	before := nodes[0].History[0]

	next := Advance(nodes, 230, newRand(), tickTime.Add(time.Second))

	require.Len(t, nodes[0].History, 1)
	assert.Equal(t, before, nodes[0].History[0])
	assert.Len(t, next[0].History, 2)
}

func TestAdvanceOffNodeStillSlidesHistory(t *testing.T) {
	nodes := []Node{bulb(false)}
	for tick := 0; tick < 30; tick++ {
		nodes = Advance(nodes, 230, newRand(), tickTime)
	}
	assert.Len(t, nodes[0].History, HistorySize)
}

func TestToggle(t *testing.T) {
	nodes := []Node{bulb(false), {ID: "fan", Kind: KindFan, BasePower: 55}}

	out, toggled := Toggle(nodes, "bulb-01")

	require.NotNil(t, toggled)
	assert.True(t, toggled.IsOn)
	assert.Equal(t, KindLightbulb, toggled.Kind)
	assert.True(t, out[0].IsOn)
	assert.False(t, out[1].IsOn)
	assert.False(t, nodes[0].IsOn, "input must not change")
}

func TestToggleUnknownID(t *testing.T) {
	nodes := []Node{bulb(true)}

	out, toggled := Toggle(nodes, "missing")

	assert.Nil(t, toggled)
	assert.Equal(t, nodes, out)
}

func TestAdd(t *testing.T) {
	out := Add(nil, "Lamp", KindLightbulb)

	require.Len(t, out, 1)
	n := out[0]
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "Lamp", n.Name)
	assert.Equal(t, 12.0, n.BasePower)
	assert.False(t, n.IsOn)
	assert.Empty(t, n.History)
	assert.Zero(t, n.CurrentPower)
}

func TestAddBasePowers(t *testing.T) {
	cases := map[Kind]float64{KindLightbulb: 12, KindFan: 55, KindHeater: 1500, KindOther: 100}
	for kind, want := range cases {
		out := Add(nil, "n", kind)
		require.Len(t, out, 1, kind)
		assert.Equal(t, want, out[0].BasePower, kind)
	}
}

func TestAddRejectsBlankNameAndUnknownKind(t *testing.T) {
	nodes := []Node{bulb(true)}

	assert.Equal(t, nodes, Add(nodes, "", KindFan))
	assert.Equal(t, nodes, Add(nodes, "   \t", KindFan))
	assert.Equal(t, nodes, Add(nodes, "Toaster", Kind("toaster")))
}

func TestAddAssignsUniqueIDs(t *testing.T) {
	var nodes []Node
	for i := 0; i < 10; i++ {
		nodes = Add(nodes, "n", KindOther)
	}
	seen := map[string]bool{}
	for _, n := range nodes {
		assert.False(t, seen[n.ID], "duplicate id %s", n.ID)
		seen[n.ID] = true
	}
}

func TestRemove(t *testing.T) {
	nodes := []Node{bulb(true), {ID: "fan", Kind: KindFan}}

	assert.Equal(t, nodes, Remove(nodes, "missing"))

	out := Remove(nodes, "bulb-01")
	require.Len(t, out, 1)
	assert.Equal(t, "fan", out[0].ID)
	assert.Len(t, nodes, 2)
}

func TestSetPrediction(t *testing.T) {
	nodes := []Node{bulb(true)}

	out := SetPrediction(nodes, "bulb-01", "Prediction: LED bulb - low draw")

	assert.Equal(t, "Prediction: LED bulb - low draw", out[0].AIPrediction)
	assert.Empty(t, nodes[0].AIPrediction)
	assert.Equal(t, out, SetPrediction(out, "missing", "x"))
}

func TestLastPowerSamples(t *testing.T) {
	n := Node{}
	for i := 1; i <= 12; i++ {
		n.History = append(n.History, EnergyReading{Power: float64(i)})
	}

	assert.Equal(t, []float64{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, LastPowerSamples(n, 10))
	assert.Equal(t, []float64{11, 12}, LastPowerSamples(n, 2))
	assert.Empty(t, LastPowerSamples(Node{}, 10))
}

func TestAggregateEmpty(t *testing.T) {
	m := Aggregate(nil)

	assert.Zero(t, m.TotalPower)
	assert.Zero(t, m.TotalLoss)
	assert.Zero(t, m.ActiveCount)
	assert.Empty(t, m.History)
}

func TestAggregateSumsCurrentState(t *testing.T) {
	nodes := []Node{
		{ID: "a", IsOn: true, CurrentPower: 12.5, CurrentPowerLoss: 0.5, CurrentVoltage: 220},
		{ID: "b", IsOn: false},
		{ID: "c", IsOn: true, CurrentPower: 55, CurrentPowerLoss: 2},
	}

	m := Aggregate(nodes)

	assert.Equal(t, 67.5, m.TotalPower)
	assert.Equal(t, 2.5, m.TotalLoss)
	assert.Equal(t, 2, m.ActiveCount)
	assert.Equal(t, 3, m.NodeCount)
	assert.Equal(t, 220.0, m.SystemVoltage)
}

func TestAggregateHistoryAlignsToFirstNode(t *testing.T) {
	nodes := []Node{
		{ID: "a", History: []EnergyReading{
			{Timestamp: "t0", Power: 1, PowerLoss: 0.1},
			{Timestamp: "t1", Power: 2, PowerLoss: 0.2},
			{Timestamp: "t2", Power: 3, PowerLoss: 0.3},
		}},
		{ID: "b", History: []EnergyReading{
			{Timestamp: "x0", Power: 10, PowerLoss: 1},
		}},
	}

	m := Aggregate(nodes)

	require.Len(t, m.History, 3)
	assert.Equal(t, "t0", m.History[0].Timestamp)
	assert.InDelta(t, 11, m.History[0].Power, 1e-9)
	assert.InDelta(t, 1.1, m.History[0].Loss, 1e-9)
	assert.InDelta(t, 2, m.History[1].Power, 1e-9)
	assert.InDelta(t, 3, m.History[2].Power, 1e-9)
}

func TestProjectBilling(t *testing.T) {
	p := ProjectBilling(67.5, 2.0, 0.14)

	assert.InDelta(t, 1.62, p.EstimatedDailyKWh, 1e-9)
	assert.InDelta(t, 6.804, p.EstimatedMonthlyCost, 1e-9)
	assert.InDelta(t, 0.00945, p.CurrentLoadCostPerHour, 1e-9)
	assert.InDelta(t, 0.2016, p.MonthlyLossCost, 1e-9)
	assert.Equal(t, 0.14, p.RatePerKWh)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind(" Heater ")
	assert.True(t, ok)
	assert.Equal(t, KindHeater, k)

	_, ok = ParseKind("kettle")
	assert.False(t, ok)
}

func TestValidVoltageLimit(t *testing.T) {
	assert.True(t, ValidVoltageLimit(100))
	assert.True(t, ValidVoltageLimit(230))
	assert.False(t, ValidVoltageLimit(99.9))
	assert.False(t, ValidVoltageLimit(231))
}

func TestBillingHistoryIsChronological(t *testing.T) {
	history := BillingHistory()
	require.Len(t, history, 4)
	assert.Equal(t, "Oct", history[0].Month)
	assert.Equal(t, "Jan", history[3].Month)
	assert.Equal(t, 55.90, history[2].Cost)

	history[0].Cost = 0
	assert.Equal(t, 42.50, BillingHistory()[0].Cost)
}
