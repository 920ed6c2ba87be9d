package lifecycle

import (
	"encoding/json"
	"fmt"
)

// Configuration is the stored per-bucket lifecycle document.
type Configuration struct {
	Rules []Rule `json:"Rules"`
}

// Rule is one lifecycle rule. Disabled rules are kept but never applied.
type Rule struct {
	ID                             string              `json:"ID"`
	Status                         string              `json:"Status"` // Enabled or Disabled
	Filter                         Filter              `json:"Filter"`
	Expiration                     *Expiration         `json:"Expiration,omitempty"`
	NoncurrentVersionExpiration    *NoncurrentVersionExpiration    `json:"NoncurrentVersionExpiration,omitempty"`
	AbortIncompleteMultipartUpload *AbortIncompleteMultipartUpload `json:"AbortIncompleteMultipartUpload,omitempty"`
}

// Filter narrows a rule to a key prefix and optionally one tag.
type Filter struct {
	Prefix string `json:"Prefix,omitempty"`
	Tag    *Tag   `json:"Tag,omitempty"`
}

// Tag is one key/value pair of a tag filter.
type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Expiration expires current versions older than Days.
type Expiration struct {
	Days int `json:"Days"`
}

// NoncurrentVersionExpiration expires non-current versions by age and by
// count of newer non-current versions to retain.
type NoncurrentVersionExpiration struct {
	NoncurrentDays          int `json:"NoncurrentDays,omitempty"`
	NewerNoncurrentVersions int `json:"NewerNoncurrentVersions,omitempty"`
}

// AbortIncompleteMultipartUpload garbage-collects stale uploads.
type AbortIncompleteMultipartUpload struct {
	DaysAfterInitiation int `json:"DaysAfterInitiation"`
}

// ParseConfiguration decodes and validates a lifecycle document.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var config Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("malformed lifecycle document: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the document before it is stored or applied.
func (c *Configuration) Validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("lifecycle configuration has no rules")
	}
	for i, rule := range c.Rules {
		if rule.Status != "Enabled" && rule.Status != "Disabled" {
			return fmt.Errorf("rule %d: status must be Enabled or Disabled", i)
		}
		if rule.Expiration == nil && rule.NoncurrentVersionExpiration == nil && rule.AbortIncompleteMultipartUpload == nil {
			return fmt.Errorf("rule %d: no action configured", i)
		}
		if rule.Expiration != nil && rule.Expiration.Days <= 0 {
			return fmt.Errorf("rule %d: expiration days must be positive", i)
		}
		if nve := rule.NoncurrentVersionExpiration; nve != nil && nve.NoncurrentDays <= 0 && nve.NewerNoncurrentVersions <= 0 {
			return fmt.Errorf("rule %d: noncurrent expiration needs days or a version count", i)
		}
	}
	return nil
}
