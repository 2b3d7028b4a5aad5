// Package prompt manages versioned, lifecycle-gated system prompts with a
// TTL cache, deterministic experiment bucketing, and {{name}} interpolation.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusStaging    Status = "staging"
	StatusProduction Status = "production"
	StatusArchived   Status = "archived"
)

// Version is one immutable prompt revision. Hash is the SHA-256 of the
// unsubstituted template.
type Version struct {
	Number    int       `yaml:"number" json:"number"`
	Template  string    `yaml:"template" json:"template"`
	Hash      string    `yaml:"hash,omitempty" json:"hash,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Approval records who signed off on the active version.
type Approval struct {
	By   string    `yaml:"by" json:"by"`
	At   time.Time `yaml:"at" json:"at"`
	Note string    `yaml:"note,omitempty" json:"note,omitempty"`
}

// VariableDecl declares an interpolation variable for a task's prompts.
type VariableDecl struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Definition is the full prompt record for one task id. Versions are
// append-only; ActiveVersion and StagingVersion are version numbers
// (0 = none).
type Definition struct {
	Task           string         `yaml:"task" json:"task"`
	Status         Status         `yaml:"status" json:"status"`
	Versions       []Version      `yaml:"versions" json:"versions"`
	ActiveVersion  int            `yaml:"active_version,omitempty" json:"active_version,omitempty"`
	StagingVersion int            `yaml:"staging_version,omitempty" json:"staging_version,omitempty"`
	Approval       *Approval      `yaml:"approval,omitempty" json:"approval,omitempty"`
	Variables      []VariableDecl `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// VersionByNumber returns the version with the given number, or nil.
func (d *Definition) VersionByNumber(n int) *Version {
	for i := range d.Versions {
		if d.Versions[i].Number == n {
			return &d.Versions[i]
		}
	}
	return nil
}

// Active returns the active production version, or nil.
func (d *Definition) Active() *Version {
	if d.ActiveVersion == 0 {
		return nil
	}
	return d.VersionByNumber(d.ActiveVersion)
}

// Staging returns the staging version, or nil.
func (d *Definition) Staging() *Version {
	if d.StagingVersion == 0 {
		return nil
	}
	return d.VersionByNumber(d.StagingVersion)
}

// HashTemplate is the canonical content hash: SHA-256 of the unsubstituted
// template, hex-encoded.
func HashTemplate(template string) string {
	sum := sha256.Sum256([]byte(template))
	return hex.EncodeToString(sum[:])
}

// ConfigError is a prompt-layer misconfiguration (missing required variable,
// production conflict). It maps to a config-level failure at the boundary.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "prompt config error: " + strings.TrimSpace(e.Message)
}

// AddVersion appends a new immutable version with the next number and a
// computed hash. Existing versions are never modified.
func (d *Definition) AddVersion(template string, now time.Time) Version {
	next := 1
	for _, v := range d.Versions {
		if v.Number >= next {
			next = v.Number + 1
		}
	}
	v := Version{
		Number:    next,
		Template:  template,
		Hash:      HashTemplate(template),
		CreatedAt: now.UTC(),
	}
	d.Versions = append(d.Versions, v)
	return v
}

// Promote marks a version as the active production version. Promoting while
// another version is active fails naming the incumbent: the caller must
// demote first.
func (d *Definition) Promote(number int) error {
	if d.VersionByNumber(number) == nil {
		return &ConfigError{Message: fmt.Sprintf("task %s has no version %d", d.Task, number)}
	}
	if d.ActiveVersion != 0 && d.ActiveVersion != number {
		return &ConfigError{Message: fmt.Sprintf(
			"task %s already has version %d in production; demote it before promoting %d",
			d.Task, d.ActiveVersion, number)}
	}
	d.ActiveVersion = number
	d.Status = StatusProduction
	return nil
}

// Demote clears the active production version.
func (d *Definition) Demote() {
	d.ActiveVersion = 0
	if d.Status == StatusProduction {
		d.Status = StatusDraft
	}
}
