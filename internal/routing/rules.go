package routing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rules maps event names to the roles that receive them. Per-actor
// recipients (owner, creator) are fixed by the domain and not configured here.
type Rules struct {
	mu     sync.RWMutex
	events map[string][]string
}

type rulesFile struct {
	Events map[string][]string `yaml:"events"`
}

func Default() *Rules {
	return newRules(map[string][]string{
		"lead:created": {"admin", "sales"},
		"lead:claimed": {"admin", "sales"},
	})
}

func newRules(events map[string][]string) *Rules {
	r := &Rules{}
	r.set(events)
	return r
}

// Parse reads YAML of the form:
//
//	events:
//	  lead:claimed: [admin, sales]
func Parse(data []byte) (*Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	for event := range file.Events {
		if strings.TrimSpace(event) == "" {
			return nil, fmt.Errorf("parse routing rules: empty event name")
		}
	}
	return newRules(file.Events), nil
}

func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// RolesFor returns a copy of the roles configured for event, or nil.
func (r *Rules) RolesFor(event string) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := r.events[strings.TrimSpace(event)]
	if len(roles) == 0 {
		return nil
	}
	return append([]string(nil), roles...)
}

func (r *Rules) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.events))
	for event := range r.events {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// Replace swaps in the contents of other atomically.
func (r *Rules) Replace(other *Rules) {
	if other == nil {
		return
	}
	other.mu.RLock()
	events := other.events
	other.mu.RUnlock()
	r.set(events)
}

func (r *Rules) set(events map[string][]string) {
	normalized := make(map[string][]string, len(events))
	for event, roles := range events {
		event = strings.TrimSpace(event)
		seen := map[string]struct{}{}
		list := make([]string, 0, len(roles))
		for _, role := range roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				continue
			}
			if _, dup := seen[role]; dup {
				continue
			}
			seen[role] = struct{}{}
			list = append(list, role)
		}
		normalized[event] = list
	}
	r.mu.Lock()
	r.events = normalized
	r.mu.Unlock()
}
