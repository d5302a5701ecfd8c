package collector

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v7"

	"ecopulse/internal/telemetry"
)

type demoAppliance struct {
	Room string `fake:"{randomstring:[Kitchen,Bedroom,Office,Garage,Hallway,Basement]}"`
	Kind string `fake:"{randomstring:[lightbulb,fan,heater,other]}"`
}

var kindLabels = map[telemetry.Kind]string{
	telemetry.KindLightbulb: "Light Bulb",
	telemetry.KindFan:       "Fan",
	telemetry.KindHeater:    "Heater",
	telemetry.KindOther:     "Appliance",
}

// SeedDemo adds n randomly named appliances and switches them on. The same seed
// always yields the same names and kinds.
func (c *Collector) SeedDemo(n int, seed uint64) ([]telemetry.Node, error) {
	faker := gofakeit.New(seed)
	added := make([]telemetry.Node, 0, n)

	for i := 0; i < n; i++ {
		var d demoAppliance
		if err := faker.Struct(&d); err != nil {
			return added, fmt.Errorf("generate demo appliance: %w", err)
		}
		kind, ok := telemetry.ParseKind(d.Kind)
		if !ok {
			kind = telemetry.KindOther
		}

		node, err := c.Add(fmt.Sprintf("%s %s", d.Room, kindLabels[kind]), kind)
		if err != nil {
			return added, err
		}
		node, err = c.Toggle(node.ID)
		if err != nil {
			return added, err
		}
		added = append(added, node)
	}

	return added, nil
}
