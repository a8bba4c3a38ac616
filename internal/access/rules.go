package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/n3tuk/lfs-lock-service/internal/errclass"
)

// Rules is the access rules file. A missing file, or an empty
// administrators list, leaves every user a lock administrator.
//
//	administrators: [alice]
//	repositories:
//	  game.git:
//	    read_only: false
//	    administrators: [bob]
//	    protected_refs:
//	      refs/heads/main: [alice, carol]
type Rules struct {
	Administrators []string                   `yaml:"administrators"`
	Repositories   map[string]RepositoryRules `yaml:"repositories"`
}

// RepositoryRules narrows access to one repository.
type RepositoryRules struct {
	// ReadOnly rejects every lock change.
	ReadOnly bool `yaml:"read_only"`

	// Administrators are added to the global administrators.
	Administrators []string `yaml:"administrators"`

	// ProtectedRefs maps a ref to the only users allowed to change locks
	// scoped to it.
	ProtectedRefs map[string][]string `yaml:"protected_refs"`
}

// LoadRules reads the rules file at path.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read access rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document, rejecting unknown keys.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse access rules: %w", err)
	}
	return &rules, nil
}

// ForRepository returns the policy for the named repository. A nil Rules
// yields a policy that grants everything.
func (r *Rules) ForRepository(name string) *RulesPolicy {
	p := &RulesPolicy{repository: name}
	if r == nil {
		return p
	}

	p.admins = slices.Clone(r.Administrators)
	if repo, ok := r.Repositories[name]; ok {
		p.rules = repo
		p.admins = append(p.admins, repo.Administrators...)
	}
	return p
}

// RulesPolicy enforces the rules of one repository. It implements both
// Policy and AdminChecker.
type RulesPolicy struct {
	repository string
	admins     []string
	rules      RepositoryRules
}

func (p *RulesPolicy) CheckReadAccess(context.Context, string, string) error {
	return nil
}

func (p *RulesPolicy) CheckWriteAccess(_ context.Context, refName, username string) error {
	if p.rules.ReadOnly {
		return errclass.ErrUnauthorized.WithMessagef("repository %s is read-only", p.repository)
	}

	writers, protected := p.rules.ProtectedRefs[refName]
	if protected && (username == "" || !slices.Contains(writers, username)) {
		return errclass.ErrUnauthorized.WithMessagef("not authorized to change locks on %s", refName)
	}
	return nil
}

// IsLockAdministrator reports whether username may force-delete locks.
// With no administrators configured, everyone may.
func (p *RulesPolicy) IsLockAdministrator(_ context.Context, username string) (bool, error) {
	if len(p.admins) == 0 {
		return true, nil
	}
	return username != "" && slices.Contains(p.admins, username), nil
}
