package controller

import (
	"github.com/szaher/phoneagent/internal/process"
)

// ArgNames are the flag names passed to the agent executable.
type ArgNames struct {
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	DeviceID string `yaml:"device_id"`
	APIKey   string `yaml:"api_key"`
	Lang     string `yaml:"lang"`
}

// DefaultArgNames returns the flag names the agent understands by default.
func DefaultArgNames() ArgNames {
	return ArgNames{
		BaseURL:  "--base-url",
		Model:    "--model",
		DeviceID: "--device-id",
		APIKey:   "--apikey",
		Lang:     "--lang",
	}
}

// LaunchConfig describes how to start the agent for a device.
type LaunchConfig struct {
	Path    string
	Args    ArgNames
	BaseURL string
	Model   string
	Lang    string
	// Env is appended to the minimal PATH/HOME environment by the spawner.
	Env []string
	Dir string
}

// Spec builds the process spec for deviceID. The argument order is fixed:
// base URL, model, device, key, language. Unset flag names fall back to
// the defaults.
func (c LaunchConfig) Spec(deviceID, apiKey string) process.Spec {
	names := c.Args.withDefaults()
	return process.Spec{
		Path: c.Path,
		Args: []string{
			names.BaseURL, c.BaseURL,
			names.Model, c.Model,
			names.DeviceID, deviceID,
			names.APIKey, apiKey,
			names.Lang, c.Lang,
		},
		Env: c.Env,
		Dir: c.Dir,
	}
}

func (n ArgNames) withDefaults() ArgNames {
	d := DefaultArgNames()
	if n.BaseURL != "" {
		d.BaseURL = n.BaseURL
	}
	if n.Model != "" {
		d.Model = n.Model
	}
	if n.DeviceID != "" {
		d.DeviceID = n.DeviceID
	}
	if n.APIKey != "" {
		d.APIKey = n.APIKey
	}
	if n.Lang != "" {
		d.Lang = n.Lang
	}
	return d
}
