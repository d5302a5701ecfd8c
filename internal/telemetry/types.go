package telemetry

import "strings"

// HistorySize is the number of readings kept per node.
const HistorySize = 20

// Voltage limit bounds accepted by the dashboard slider.
const (
	MinVoltageLimit     = 100.0
	MaxVoltageLimit     = 230.0
	DefaultVoltageLimit = 230.0
)

type Kind string

const (
	KindLightbulb Kind = "lightbulb"
	KindFan       Kind = "fan"
	KindHeater    Kind = "heater"
	KindOther     Kind = "other"
)

// Nominal power in watts per kind
var basePowers = map[Kind]float64{
	KindLightbulb: 12,
	KindFan:       55,
	KindHeater:    1500,
	KindOther:     100,
}

// ParseKind normalizes a kind name. The boolean is false for unknown kinds.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	_, ok := basePowers[k]
	return k, ok
}

// BasePower returns the nominal draw for the kind, or 0 if the kind is unknown.
func (k Kind) BasePower() float64 {
	return basePowers[k]
}

type EnergyReading struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
	Voltage   float64 `json:"voltage"`
	PowerLoss float64 `json:"power_loss"`
}

type Node struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Kind      Kind    `json:"kind"`
	IsOn      bool    `json:"is_on"`
	BasePower float64 `json:"base_power"`

	// Latest sample
	CurrentPower     float64 `json:"current_power"`
	CurrentVoltage   float64 `json:"current_voltage"`
	CurrentPowerLoss float64 `json:"current_power_loss"`

	History      []EnergyReading `json:"history"`
	AIPrediction string          `json:"ai_prediction,omitempty"`
}

type AggregatePoint struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
	Loss      float64 `json:"loss"`
}

type AggregateMetrics struct {
	TotalPower    float64          `json:"total_power_w"`
	TotalLoss     float64          `json:"total_loss_w"`
	ActiveCount   int              `json:"active_count"`
	NodeCount     int              `json:"node_count"`
	SystemVoltage float64          `json:"system_voltage_v"`
	History       []AggregatePoint `json:"history"`
}

type BillingProjection struct {
	RatePerKWh             float64 `json:"rate_per_kwh"`
	EstimatedDailyKWh      float64 `json:"estimated_daily_kwh"`
	EstimatedMonthlyCost   float64 `json:"estimated_monthly_cost"`
	CurrentLoadCostPerHour float64 `json:"current_load_cost_per_hour"`
	MonthlyLossCost        float64 `json:"monthly_loss_cost"`
}

// BillingMonth is one bar of the past-invoices chart.
type BillingMonth struct {
	Month          string  `json:"month"`
	Cost           float64 `json:"cost"`
	ConsumptionKWh float64 `json:"consumption_kwh"`
}

// BillingHistory returns the last four invoices shown next to the projection.
func BillingHistory() []BillingMonth {
	return []BillingMonth{
		{Month: "Oct", Cost: 42.50, ConsumptionKWh: 304},
		{Month: "Nov", Cost: 38.20, ConsumptionKWh: 272},
		{Month: "Dec", Cost: 55.90, ConsumptionKWh: 399},
		{Month: "Jan", Cost: 48.15, ConsumptionKWh: 344},
	}
}
