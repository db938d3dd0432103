package permission

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// Store persists the rule set as a JSON array on disk. Rules keep their
// stored order, which is also their matching precedence.
//
// Loading tolerates damage: each array element is decoded independently and
// malformed entries are skipped with a log line instead of invalidating the
// whole file.
type Store struct {
	path string

	mu    sync.Mutex
	rules []Rule
}

// NewStore loads (or initializes) the rule file at path. A missing file is
// an empty rule set, not an error.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rule file: %w", err)
	}

	// Decode element by element so one malformed entry doesn't take the
	// rest of the rule set with it.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("rule file %s is not a JSON array: %w", s.path, err)
	}

	for i, entry := range raw {
		var rule Rule
		if err := json.Unmarshal(entry, &rule); err != nil {
			log.Printf("permission: skipping malformed rule at index %d: %v", i, err)
			continue
		}
		if rule.ID == "" || rule.Validate() != nil {
			log.Printf("permission: skipping invalid rule at index %d (id=%q action=%q)", i, rule.ID, rule.Action)
			continue
		}
		s.rules = append(s.rules, rule)
	}

	log.Printf("permission: loaded %d rules from %s", len(s.rules), s.path)
	return nil
}

// save writes the current rule set. Callers hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	rules := s.rules
	if rules == nil {
		// An empty set persists as [] so readers always see a JSON array.
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write rule file: %w", err)
	}
	return nil
}

// List returns a copy of the rule set in stored (precedence) order.
func (s *Store) List() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Add appends a rule, assigning its ID and timestamps, and persists.
func (s *Store) Add(rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "invalid rule", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rule.ID = uuid.New().String()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules = append(s.rules, rule)

	if err := s.save(); err != nil {
		s.rules = s.rules[:len(s.rules)-1]
		return Rule{}, err
	}
	return rule, nil
}

// RulePatch is a partial update. Nil pointer fields are left unchanged;
// setting a pointer to an empty string clears that filter. ID and CreatedAt
// are immutable.
type RulePatch struct {
	ToolName    *string    `json:"toolName,omitempty"`
	Pattern     *string    `json:"pattern,omitempty"`
	Action      *Action    `json:"action,omitempty"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ClearExpiry bool       `json:"clearExpiry,omitempty"`
}

// Update merges a patch into the rule with the given ID, bumps UpdatedAt,
// and persists.
func (s *Store) Update(id string, patch RulePatch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID != id {
			continue
		}

		updated := s.rules[i]
		if patch.ToolName != nil {
			updated.ToolName = *patch.ToolName
		}
		if patch.Pattern != nil {
			updated.Pattern = *patch.Pattern
		}
		if patch.Action != nil {
			updated.Action = *patch.Action
		}
		if patch.Description != nil {
			updated.Description = *patch.Description
		}
		if patch.ClearExpiry {
			updated.ExpiresAt = nil
		} else if patch.ExpiresAt != nil {
			expiry := *patch.ExpiresAt
			updated.ExpiresAt = &expiry
		}
		if err := updated.Validate(); err != nil {
			return Rule{}, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "invalid rule patch", err)
		}
		updated.UpdatedAt = time.Now().UTC()

		previous := s.rules[i]
		s.rules[i] = updated
		if err := s.save(); err != nil {
			s.rules[i] = previous
			return Rule{}, err
		}
		return updated, nil
	}

	return Rule{}, apperrors.RuleNotFound(id)
}

// Delete removes one rule by ID and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID != id {
			continue
		}
		removed := s.rules[i]
		s.rules = append(s.rules[:i], s.rules[i+1:]...)
		if err := s.save(); err != nil {
			// Restore at the original position on a failed write.
			s.rules = append(s.rules[:i], append([]Rule{removed}, s.rules[i:]...)...)
			return err
		}
		return nil
	}
	return apperrors.RuleNotFound(id)
}

// Clear removes every rule and persists the empty set.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.rules
	s.rules = nil
	if err := s.save(); err != nil {
		s.rules = previous
		return err
	}
	return nil
}
