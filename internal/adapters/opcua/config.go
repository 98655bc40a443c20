package opcua

import (
	"errors"
	"fmt"
	"strings"
)

// Config captures the runtime details required to open an OPC UA session
// against a historian.
type Config struct {
	Endpoint         string       `yaml:"endpoint"`
	Username         string       `yaml:"username"`
	Password         string       `yaml:"password"`
	SecurityMode     string       `yaml:"security_mode"`
	SecurityPolicy   string       `yaml:"security_policy"`
	ApplicationName  string       `yaml:"application_name"`
	Template         string       `yaml:"template"`
	MaxValuesPerRead uint32       `yaml:"max_values_per_read"`
	Nodes            []NodeConfig `yaml:"nodes"`
}

// NodeConfig maps a historized node to a measure.
type NodeConfig struct {
	NodeID    string `yaml:"node_id"`
	SeriesID  string `yaml:"series_id"`
	Parameter string `yaml:"parameter"`
	Unit      string `yaml:"unit"`
	Interval  string `yaml:"interval"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "MerlinFlow Exchange"
	}
	if c.Template == "" {
		c.Template = "opcua"
	}
	if c.MaxValuesPerRead == 0 {
		c.MaxValuesPerRead = 1000
	}
	for i := range c.Nodes {
		if c.Nodes[i].SeriesID == "" {
			c.Nodes[i].SeriesID = c.Nodes[i].NodeID
		}
		if c.Nodes[i].Parameter == "" {
			c.Nodes[i].Parameter = "value"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NodeID == "" {
			return errors.New("node_id is required")
		}
		if seen[n.SeriesID] {
			return fmt.Errorf("duplicate series_id %q", n.SeriesID)
		}
		seen[n.SeriesID] = true
	}
	return nil
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}
