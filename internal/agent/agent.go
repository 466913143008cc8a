// Package agent tracks references to externally hosted voice agents.
package agent

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrAgentNotFound   = errors.New("agent: not found")
	ErrExternalIDTaken = errors.New("agent: external id already registered")
	ErrNotOwner        = errors.New("agent: not owned by caller")
)

// Agent is a voice agent hosted by the external voice platform.
type Agent struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	ExternalID  string    `json:"externalId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasTag reports whether the agent carries tag.
func (a *Agent) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// normalizeTags trims, drops empties and duplicates, and sorts.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
