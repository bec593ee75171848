package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChallengeProfile is a pre-arranged competition template. Operators
// drop profile_<code>.yaml files into the profiles directory and the
// serve command seeds a challenge from each on startup.
type ChallengeProfile struct {
	Name        string        `yaml:"name" json:"name"`
	Code        string        `yaml:"code" json:"code"`
	StakeAmount int64         `yaml:"stake_amount" json:"stake_amount"`
	LeadTime    time.Duration `yaml:"lead_time" json:"lead_time"`
	Duration    time.Duration `yaml:"duration" json:"duration"`
	Creator     string        `yaml:"creator" json:"creator"`
	Eligible    []string      `yaml:"eligible" json:"eligible"`
}

// Validate reports the first structural problem with the profile.
func (p *ChallengeProfile) Validate() error {
	if p.StakeAmount <= 0 {
		return fmt.Errorf("profile %q: stake_amount must be positive", p.Code)
	}
	if p.LeadTime <= 0 {
		return fmt.Errorf("profile %q: lead_time must be positive", p.Code)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("profile %q: duration must be positive", p.Code)
	}
	if p.Creator == "" {
		return fmt.Errorf("profile %q: creator address required", p.Code)
	}
	if len(p.Eligible) == 0 {
		return fmt.Errorf("profile %q: at least one eligible address required", p.Code)
	}
	return nil
}

// LoadProfile loads a challenge profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*ChallengeProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile ChallengeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*ChallengeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*ChallengeProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile ChallengeProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
