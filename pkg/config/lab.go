// Package config parses the lab configuration document into a typed device
// catalogue, following a generic-resource apply idiom (unmarshal into a
// loosely-typed tree, then normalize field by field with defaults).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/labord/pkg/types"
	"gopkg.in/yaml.v3"
)

// kindKeys maps the document's plural resource-tree keys to the singular
// DeviceKind the rest of the system uses.
var kindKeys = map[string]types.DeviceKind{
	"incubators":      types.DeviceKindIncubator,
	"plate_readers":   types.DeviceKindPlateReader,
	"liquid_handlers": types.DeviceKindLiquidHandler,
	"movers":          types.DeviceKindMover,
	"centrifuges":     types.DeviceKindCentrifuge,
	"storage":         types.DeviceKindStorage,
}

// rawDocument mirrors the YAML shape of the lab configuration document
// before normalization: a generic resource tree.
type rawDocument struct {
	Description string                                    `yaml:"description"`
	Devices     map[string]map[string]map[string]any       `yaml:"devices"`
	Translation map[string]string                          `yaml:"translation"`
}

// LabConfig is the normalized result of parsing a lab configuration
// document: the device catalogue plus the free-text description, one entry
// per device across all recognized kinds.
type LabConfig struct {
	Description string
	Devices     []types.Device
}

// Load reads and parses a lab configuration document from path.
func Load(path string) (*LabConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lab config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse normalizes a lab configuration document's bytes into a LabConfig.
// Unknown device kinds are a configuration error.
func Parse(data []byte) (*LabConfig, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse lab config: %w", err)
	}

	cfg := &LabConfig{Description: doc.Description}
	now := time.Now()

	for rawKind, devices := range doc.Devices {
		kind, ok := kindKeys[rawKind]
		if !ok {
			return nil, fmt.Errorf("unrecognized device kind %q", rawKind)
		}
		for name, spec := range devices {
			capacity, ok := getInt(spec, "capacity")
			if !ok {
				return nil, fmt.Errorf("device %s.%s: capacity is required", rawKind, name)
			}

			device := types.Device{
				Name:            name,
				Kind:            kind,
				Capacity:        capacity,
				ProcessCapacity: getIntDefault(spec, "process_capacity", 0),
				MinCapacity:     getIntDefault(spec, "min_capacity", 1),
				AllowsOverlap:   getBoolDefault(spec, "allows_overlap", false),
				Address:         getStringDefault(spec, "address", ""),
				Params:          extraParams(spec),
				CreatedAt:       now,
			}
			cfg.Devices = append(cfg.Devices, device)
		}
	}

	return cfg, nil
}

// reservedKeys are the typed fields of Device; anything else in a device's
// spec map is carried into Device.Params for adapter-specific use.
var reservedKeys = map[string]bool{
	"capacity": true, "process_capacity": true, "min_capacity": true,
	"allows_overlap": true, "address": true,
}

func extraParams(spec map[string]any) map[string]string {
	params := make(map[string]string)
	for k, v := range spec {
		if reservedKeys[k] {
			continue
		}
		params[k] = fmt.Sprintf("%v", v)
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func getInt(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	default:
		return 0, false
	}
}

func getIntDefault(m map[string]any, key string, def int) int {
	if v, ok := getInt(m, key); ok {
		return v
	}
	return def
}

func getBoolDefault(m map[string]any, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func getStringDefault(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return def
}
