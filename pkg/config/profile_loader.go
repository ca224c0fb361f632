package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a per-environment policy overlay loaded from YAML.
// Values present in the profile override the environment configuration.
type DeploymentProfile struct {
	Name  string `yaml:"name" json:"name"`
	Token struct {
		Issuer                   string `yaml:"issuer" json:"issuer"`
		TTLSeconds               int64  `yaml:"ttl_seconds" json:"ttl_seconds"`
		ClockSkewSeconds         int64  `yaml:"clock_skew_seconds" json:"clock_skew_seconds"`
		OutageGraceWindowSeconds int64  `yaml:"outage_grace_window_seconds" json:"outage_grace_window_seconds"`
	} `yaml:"token" json:"token"`
	RateLimit struct {
		MintRPM   int `yaml:"mint_rpm" json:"mint_rpm"`
		MintBurst int `yaml:"mint_burst" json:"mint_burst"`
	} `yaml:"rate_limit" json:"rate_limit"`
	Export struct {
		S3Bucket string `yaml:"s3_bucket" json:"s3_bucket"`
		Region   string `yaml:"region" json:"region"`
	} `yaml:"export" json:"export"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*DeploymentProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays profile values onto cfg in place.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if p.Token.Issuer != "" {
		cfg.TokenIssuer = p.Token.Issuer
	}
	if p.Token.TTLSeconds > 0 {
		cfg.TokenTTLSeconds = p.Token.TTLSeconds
	}
	if p.Token.ClockSkewSeconds > 0 {
		cfg.TokenClockSkewSeconds = p.Token.ClockSkewSeconds
	}
	if p.Token.OutageGraceWindowSeconds > 0 {
		cfg.OutageGraceWindowSeconds = p.Token.OutageGraceWindowSeconds
	}
	if p.RateLimit.MintRPM > 0 {
		cfg.MintRPM = p.RateLimit.MintRPM
	}
	if p.RateLimit.MintBurst > 0 {
		cfg.MintBurst = p.RateLimit.MintBurst
	}
	if p.Export.S3Bucket != "" {
		cfg.AuditExportBucket = p.Export.S3Bucket
	}
	if p.Export.Region != "" {
		cfg.AuditExportRegion = p.Export.Region
	}
}
