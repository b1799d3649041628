package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UpdateLowVolumeThreshold updates audio.low_volume_threshold in the config file,
// leaving every other key untouched
func UpdateLowVolumeThreshold(configPath string, threshold float64) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found at '%s': %w", configPath, err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	var configData map[string]interface{}
	if err := yaml.Unmarshal(data, &configData); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if configData == nil {
		configData = make(map[string]interface{})
	}

	audio, ok := configData["audio"].(map[string]interface{})
	if !ok {
		audio = make(map[string]interface{})
		configData["audio"] = audio
	}

	audio["low_volume_threshold"] = threshold

	output, err := yaml.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, output, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
