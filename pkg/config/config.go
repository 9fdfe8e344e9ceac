// Package config loads the core's recognized options from a YAML
// document into a Config snapshot. Snapshots are immutable once loaded;
// hot reconfiguration replaces the pointer rather than mutating fields in
// place, per "configuration snapshots are immutable" policy.
package config

import (
	"os"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/policy"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface the core consumes.
type Config struct {
	CertificateAuthority CertificateAuthorityConfig   `yaml:"certificateAuthority"`
	Security             SecurityConfig               `yaml:"security"`
	Performance          PerformanceConfig            `yaml:"performance"`
	Certificates         CertificatesConfig           `yaml:"certificates"`
	DeviceGroups         map[string]DeviceGroupConfig `yaml:"deviceGroups"`
	Metrics              MetricsConfig                `yaml:"metrics"`
}

// CertificateAuthorityConfig selects managed vs custom CA mode.
type CertificateAuthorityConfig struct {
	CAType              string `yaml:"caType"`
	PrivateKeyURI       string `yaml:"privateKeyUri"`
	CertificateURI      string `yaml:"certificateUri"`
	CertificateChainURI string `yaml:"certificateChainUri"`
}

// Custom reports whether both key and certificate URIs are present,
// switching CA loading into custom mode.
func (c CertificateAuthorityConfig) Custom() bool {
	return c.PrivateKeyURI != "" && c.CertificateURI != ""
}

// SecurityConfig holds the identity trust window.
type SecurityConfig struct {
	ClientDeviceTrustDurationMinutes int `yaml:"clientDeviceTrustDurationMinutes"`
}

// TrustDuration converts the configured minutes into a time.Duration. Zero
// disables trust caching entirely.
func (c SecurityConfig) TrustDuration() time.Duration {
	return time.Duration(c.ClientDeviceTrustDurationMinutes) * time.Minute
}

// PerformanceConfig tunes the cloud-call worker pool and session limits.
type PerformanceConfig struct {
	CloudRequestQueueSize      int `yaml:"cloudRequestQueueSize"`
	MaxConcurrentCloudRequests int `yaml:"maxConcurrentCloudRequests"`
	MaxActiveAuthTokens        int `yaml:"maxActiveAuthTokens"`
}

// CertificatesConfig tunes issuance validity windows and rotation.
type CertificatesConfig struct {
	ServerCertificateValiditySeconds int  `yaml:"serverCertificateValiditySeconds"`
	ClientCertificateValiditySeconds int  `yaml:"clientCertificateValiditySeconds"`
	DisableCertificateRotation       bool `yaml:"disableCertificateRotation"`
}

// ServerValidity and ClientValidity convert the configured seconds into
// time.Duration.
func (c CertificatesConfig) ServerValidity() time.Duration {
	return time.Duration(c.ServerCertificateValiditySeconds) * time.Second
}

func (c CertificatesConfig) ClientValidity() time.Duration {
	return time.Duration(c.ClientCertificateValiditySeconds) * time.Second
}

// DeviceGroupConfig is one entry of the deviceGroups.definitions tree.
type DeviceGroupConfig struct {
	SelectionRule string                  `yaml:"selectionRule"`
	Policies      map[string]PolicyConfig `yaml:"policies"`
}

// PolicyConfig is one named policy within a device group.
type PolicyConfig struct {
	PolicyVariables map[string]string `yaml:"policyVariables"`
	Operations      []string          `yaml:"operations"`
	Resources       []string          `yaml:"resources"`
	Principals      []string          `yaml:"principals"`
}

// MetricsConfig toggles and tunes metrics collection.
type MetricsConfig struct {
	DisableMetrics         bool `yaml:"disableMetrics"`
	AggregatePeriodSeconds int  `yaml:"aggregatePeriodSeconds"`
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		CertificateAuthority: CertificateAuthorityConfig{CAType: "RSA_2048"},
		Security:             SecurityConfig{ClientDeviceTrustDurationMinutes: 720},
		Performance: PerformanceConfig{
			CloudRequestQueueSize:      100,
			MaxConcurrentCloudRequests: 1,
			MaxActiveAuthTokens:        2500,
		},
		Certificates: CertificatesConfig{
			ServerCertificateValiditySeconds: 7 * 24 * 60 * 60,
			ClientCertificateValiditySeconds: 7 * 24 * 60 * 60,
		},
		Metrics: MetricsConfig{AggregatePeriodSeconds: 60},
	}
}

// Load reads and parses a YAML config file at path, starting from Default()
// so any field the document omits keeps its documented default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cdaerrors.InvalidConfiguration("config.read_failed", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cdaerrors.InvalidConfiguration("config.parse_failed", err)
	}
	return cfg, nil
}

// GroupDefinitions converts the parsed deviceGroups tree into the
// []policy.GroupDefinition GroupManager consumes.
func (c *Config) GroupDefinitions() []policy.GroupDefinition {
	out := make([]policy.GroupDefinition, 0, len(c.DeviceGroups))
	for name, group := range c.DeviceGroups {
		policies := make(map[string]policy.PolicyDefinition, len(group.Policies))
		for policyName, p := range group.Policies {
			policies[policyName] = policy.PolicyDefinition{
				PolicyVariables: p.PolicyVariables,
				Operations:      p.Operations,
				Resources:       p.Resources,
				Principals:      p.Principals,
			}
		}
		out = append(out, policy.GroupDefinition{
			Name:          name,
			SelectionRule: group.SelectionRule,
			Policies:      policies,
		})
	}
	return out
}
