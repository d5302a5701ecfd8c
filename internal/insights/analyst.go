// Package insights builds the energy-summary and device-identification prompts and
// sends them to a text generator. Failures never escape: callers always get text back.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ecopulse/internal/telemetry"
)

const (
	InsightsEmpty       = "Unable to generate insights at this moment."
	InsightsUnavailable = "The energy analyst is currently offline."
	IdentifyNoData      = "Unknown (No Data)"
	IdentifyEmpty       = "Identification failed."
	IdentifyUnavailable = "AI identification service unavailable."
)

// IdentifySamples is how many recent power readings the identification prompt sees.
const IdentifySamples = 10

// Observer receives one status per request: success, empty or error.
type Observer func(prompt, status string)

type Analyst struct {
	gen     Generator
	log     *slog.Logger
	observe Observer
}

func NewAnalyst(gen Generator, log *slog.Logger, observe Observer) *Analyst {
	if log == nil {
		log = slog.Default()
	}
	if observe == nil {
		observe = func(string, string) {}
	}
	return &Analyst{gen: gen, log: log, observe: observe}
}

type nodeSummary struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	CurrentPower string  `json:"currentPower"`
	PowerLoss    string  `json:"powerLoss"`
	AvgPower     float64 `json:"avgPower"`
}

// EnergyPrompt renders the analysis prompt for the current node list.
func EnergyPrompt(nodes []telemetry.Node, voltageLimit float64) (string, error) {
	summary := make([]nodeSummary, len(nodes))
	for i, n := range nodes {
		status := "OFF"
		if n.IsOn {
			status = "ON"
		}
		summary[i] = nodeSummary{
			Name:         n.Name,
			Status:       status,
			CurrentPower: fmt.Sprintf("%.2f", n.CurrentPower),
			PowerLoss:    fmt.Sprintf("%.2f", n.CurrentPowerLoss),
			AvgPower:     n.BasePower,
		}
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("encode node summary: %w", err)
	}

	return fmt.Sprintf(`Analyze this smart home energy setup: %s.
The system voltage limit is %gV.
Please provide:
1. A breakdown of the current energy load and cumulative power loss.
2. Efficiency recommendations.
3. Safety warnings.
Keep it concise and professional.`, encoded, voltageLimit), nil
}

// IdentifyPrompt renders the classification prompt for a series of power samples.
func IdentifyPrompt(samples []float64) string {
	formatted := make([]string, len(samples))
	for i, s := range samples {
		formatted[i] = fmt.Sprintf("%.2f", s)
	}

	return fmt.Sprintf(`Based on these consecutive power consumption readings (in Watts): [%s],
predict what type of household appliance this is.
Is it an LED bulb, an Incandescent bulb, a Fan, a Laptop, or something else?
Give a short 1-sentence explanation of why based on the wattage.
Format: "Prediction: [Type] - [Explanation]"`, strings.Join(formatted, ", "))
}

// EnergyInsights asks for a summary of the current setup.
func (a *Analyst) EnergyInsights(ctx context.Context, nodes []telemetry.Node, voltageLimit float64) string {
	prompt, err := EnergyPrompt(nodes, voltageLimit)
	if err != nil {
		a.log.Error("insights_prompt_failed", "error", err.Error())
		a.observe("energy", "error")
		return InsightsUnavailable
	}

	text, err := a.gen.Generate(ctx, prompt, Options{Temperature: 0.7, TopP: 0.8})
	if err != nil {
		a.log.Warn("insights_request_failed", "error", err.Error())
		a.observe("energy", "error")
		return InsightsUnavailable
	}
	if strings.TrimSpace(text) == "" {
		a.observe("energy", "empty")
		return InsightsEmpty
	}

	a.observe("energy", "success")
	return text
}

// PredictDeviceType classifies a node from the tail of its power history.
func (a *Analyst) PredictDeviceType(ctx context.Context, history []telemetry.EnergyReading) string {
	if len(history) == 0 {
		return IdentifyNoData
	}

	samples := telemetry.LastPowerSamples(telemetry.Node{History: history}, IdentifySamples)
	text, err := a.gen.Generate(ctx, IdentifyPrompt(samples), Options{Temperature: 0.2})
	if err != nil {
		a.log.Warn("identify_request_failed", "error", err.Error())
		a.observe("identify", "error")
		return IdentifyUnavailable
	}

	text = strings.TrimSpace(text)
	if text == "" {
		a.observe("identify", "empty")
		return IdentifyEmpty
	}

	a.observe("identify", "success")
	return text
}
