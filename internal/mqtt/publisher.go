package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ecopulse/internal/telemetry"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
	log         *slog.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
	Logger      *slog.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Enabled {
		return &Publisher{enabled: false, log: log}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn("mqtt_connection_lost", "error", err.Error())
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info("mqtt_connected", "broker", cfg.Broker)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newPublisher(client, cfg.TopicPrefix, log), nil
}

func newPublisher(client mqtt.Client, topicPrefix string, log *slog.Logger) *Publisher {
	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
		enabled:     true,
		log:         log,
	}
}

// nodeState is the per-node payload; history is left out to keep messages small.
type nodeState struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Kind             string  `json:"kind"`
	IsOn             bool    `json:"is_on"`
	BasePower        float64 `json:"base_power"`
	CurrentPower     float64 `json:"current_power"`
	CurrentVoltage   float64 `json:"current_voltage"`
	CurrentPowerLoss float64 `json:"current_power_loss"`
	AIPrediction     string  `json:"ai_prediction,omitempty"`
}

type aggregateState struct {
	TotalPower    float64 `json:"total_power_w"`
	TotalLoss     float64 `json:"total_loss_w"`
	ActiveCount   int     `json:"active_count"`
	NodeCount     int     `json:"node_count"`
	SystemVoltage float64 `json:"system_voltage_v"`
}

func FormatNode(n telemetry.Node) ([]byte, error) {
	return json.Marshal(nodeState{
		ID:               n.ID,
		Name:             n.Name,
		Kind:             string(n.Kind),
		IsOn:             n.IsOn,
		BasePower:        n.BasePower,
		CurrentPower:     n.CurrentPower,
		CurrentVoltage:   n.CurrentVoltage,
		CurrentPowerLoss: n.CurrentPowerLoss,
		AIPrediction:     n.AIPrediction,
	})
}

func FormatAggregate(agg telemetry.AggregateMetrics) ([]byte, error) {
	return json.Marshal(aggregateState{
		TotalPower:    agg.TotalPower,
		TotalLoss:     agg.TotalLoss,
		ActiveCount:   agg.ActiveCount,
		NodeCount:     agg.NodeCount,
		SystemVoltage: agg.SystemVoltage,
	})
}

// Publish sends one tick: scalar totals, the aggregate JSON and one retained state
// message per node.
func (p *Publisher) Publish(nodes []telemetry.Node, agg telemetry.AggregateMetrics) error {
	if !p.enabled {
		return nil
	}

	scalars := map[string]interface{}{
		"total_power":  fmt.Sprintf("%.2f", agg.TotalPower),
		"total_loss":   fmt.Sprintf("%.2f", agg.TotalLoss),
		"active_nodes": agg.ActiveCount,
	}
	for name, value := range scalars {
		topic := fmt.Sprintf("%s/%s", p.topicPrefix, name)
		token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
		token.Wait()
		if token.Error() != nil {
			p.log.Warn("mqtt_publish_failed", "topic", topic, "error", token.Error().Error())
		}
	}

	for _, n := range nodes {
		payload, err := FormatNode(n)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
		}
		topic := fmt.Sprintf("%s/nodes/%s/state", p.topicPrefix, n.ID)
		token := p.client.Publish(topic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			p.log.Warn("mqtt_publish_failed", "topic", topic, "error", token.Error().Error())
		}
	}

	aggJSON, err := FormatAggregate(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate: %w", err)
	}

	token := p.client.Publish(fmt.Sprintf("%s/aggregate", p.topicPrefix), 0, true, aggJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish aggregate: %w", token.Error())
	}

	return nil
}

// PublishHomeAssistantDiscovery announces the dashboard totals as sensors.
func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}

	sensors := []struct {
		Name        string
		ID          string
		Unit        string
		DeviceClass string
	}{
		{"Total Power", "total_power", "W", "power"},
		{"Power Loss", "total_loss", "W", "power"},
		{"Active Nodes", "active_nodes", "", ""},
	}

	for _, sensor := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/ecopulse/%s/config", sensor.ID)

		config := map[string]interface{}{
			"name":        fmt.Sprintf("EcoPulse %s", sensor.Name),
			"unique_id":   fmt.Sprintf("ecopulse_%s", sensor.ID),
			"state_topic": fmt.Sprintf("%s/%s", p.topicPrefix, sensor.ID),
			"device": map[string]interface{}{
				"identifiers":  []string{"ecopulse_dashboard"},
				"name":         "EcoPulse Energy Monitor",
				"manufacturer": "EcoPulse",
				"model":        "Simulator",
			},
		}
		if sensor.Unit != "" {
			config["unit_of_measurement"] = sensor.Unit
		}
		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery for %s: %w", sensor.ID, err)
		}
		token := p.client.Publish(discoveryTopic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", sensor.ID, token.Error())
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
