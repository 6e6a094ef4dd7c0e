package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"gopkg.in/yaml.v3"
)

// Plan is the set of quota defaults applied to a user created on a license tier.
type Plan struct {
	MaxLogRows        int      `yaml:"max_log_rows"`
	MaxProjects       int      `yaml:"max_projects"`
	AllowedAlgorithms []string `yaml:"allowed_algorithms"`
}

// Plans maps a license type (free, premium) to its defaults.
type Plans map[string]Plan

type plansFile struct {
	Plans Plans `yaml:"plans"`
}

// DefaultPlans mirrors the built-in tiers: free users get 1000 rows and
// 3 projects with every algorithm, premium users are unlimited.
func DefaultPlans() Plans {
	return Plans{
		"free":    {MaxLogRows: 1000, MaxProjects: 3, AllowedAlgorithms: []string{}},
		"premium": {MaxLogRows: 0, MaxProjects: 0, AllowedAlgorithms: []string{}},
	}
}

// LoadPlans reads plan overrides from a YAML file. An empty path returns the
// defaults. Tiers missing from the file keep their default values.
func LoadPlans(path string) (Plans, error) {
	plans := DefaultPlans()
	if path == "" {
		return plans, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PLANS_FILE: %w", err)
	}

	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse PLANS_FILE %s: %w", path, err)
	}

	for name, p := range f.Plans {
		if p.MaxLogRows < 0 || p.MaxProjects < 0 {
			return nil, fmt.Errorf("plan %q: limits must not be negative", name)
		}
		if p.AllowedAlgorithms == nil {
			p.AllowedAlgorithms = []string{}
		}
		plans[name] = p
	}
	return plans, nil
}

// Plan returns the defaults for a license type.
func (p Plans) Plan(licenseType string) (Plan, bool) {
	plan, ok := p[licenseType]
	return plan, ok
}

// NewUser builds a user on a license tier with that tier's quota defaults.
func (p Plans) NewUser(username, licenseType string, expiresAt *time.Time) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if licenseType != models.LicenseFree && licenseType != models.LicensePremium {
		return nil, fmt.Errorf("license type must be one of free, premium; got %q", licenseType)
	}
	plan, ok := p.Plan(licenseType)
	if !ok {
		return nil, fmt.Errorf("no plan defined for license type %q", licenseType)
	}

	now := time.Now().UTC()
	return &models.User{
		ID:                uuid.New(),
		Username:          username,
		LicenseType:       licenseType,
		LicenseExpiresAt:  expiresAt,
		MaxLogRows:        plan.MaxLogRows,
		MaxProjects:       plan.MaxProjects,
		AllowedAlgorithms: append([]string{}, plan.AllowedAlgorithms...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
