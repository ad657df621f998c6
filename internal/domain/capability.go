package domain

import (
	"encoding/json"
	"time"
)

// CapabilityDescriptor describes a registrable capability.
type CapabilityDescriptor struct {
	Name        string          `json:"name" yaml:"name"`
	Domain      string          `json:"domain" yaml:"domain"`
	Description string          `json:"description" yaml:"description"`
	Schema      json.RawMessage `json:"schema,omitempty" yaml:"-"`
	Embedding   []float32       `json:"-" yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty" yaml:"-"`
}

// EmbeddingText is the text embedded for semantic search.
func (d CapabilityDescriptor) EmbeddingText() string {
	return d.Name + ": " + d.Description
}

// UnknownDomain is used for descriptors registered without a domain.
const UnknownDomain = "unknown"
