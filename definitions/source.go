package definitions

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Source enumerates the rule repositories declared by the installed analyzers
type Source interface {
	Load(ctx context.Context) ([]Repository, error)
}

// DebtModelSource is implemented by sources that also declare the technical
// debt characteristics rules attach to.
type DebtModelSource interface {
	LoadDebtModel(ctx context.Context) ([]Characteristic, error)
}

// StaticSource serves repositories held in memory
type StaticSource struct {
	Repositories    []Repository
	Characteristics []Characteristic
}

// Load validates and returns a copy of the repositories
func (s *StaticSource) Load(ctx context.Context) ([]Repository, error) {
	repos := make([]Repository, len(s.Repositories))
	for i := range s.Repositories {
		if err := s.Repositories[i].Validate(); err != nil {
			return nil, err
		}
		repos[i] = s.Repositories[i]
	}
	return repos, nil
}

// LoadDebtModel returns the declared characteristics, or nil when none are set
func (s *StaticSource) LoadDebtModel(ctx context.Context) ([]Characteristic, error) {
	return s.Characteristics, nil
}

// ResolveExtensions folds every extending repository into the repository it
// extends and returns the result in declaration order. Extensions whose base
// repository is not declared are logged and ignored.
func ResolveExtensions(repos []Repository, logger *zap.SugaredLogger) []Repository {
	var resolved []Repository
	index := make(map[string]int)
	for _, repo := range repos {
		if repo.Extends != "" {
			continue
		}
		if i, ok := index[repo.Key]; ok {
			logger.Warnf("Repository %s is declared twice, merging its rules", repo.Key)
			resolved[i].Rules = append(resolved[i].Rules, repo.Rules...)
			continue
		}
		index[repo.Key] = len(resolved)
		repo.Rules = append([]RuleDefinition(nil), repo.Rules...)
		resolved = append(resolved, repo)
	}

	for _, ext := range repos {
		if ext.Extends == "" {
			continue
		}
		i, ok := index[ext.Extends]
		if !ok {
			logger.Warnf("Extension is ignored, repository %s does not exist", ext.Extends)
			continue
		}
		resolved[i].Rules = append(resolved[i].Rules, ext.Rules...)
	}
	return resolved
}

// ValidateDebtModel checks keys are unique and every parent is declared
func ValidateDebtModel(model []Characteristic) error {
	seen := make(map[string]bool, len(model))
	for _, c := range model {
		if c.Key == "" {
			return fmt.Errorf("characteristic key is missing")
		}
		if seen[c.Key] {
			return fmt.Errorf("characteristic %s is declared twice", c.Key)
		}
		seen[c.Key] = true
	}
	for _, c := range model {
		if c.ParentKey != "" && !seen[c.ParentKey] {
			return fmt.Errorf("characteristic %s references unknown parent %s", c.Key, c.ParentKey)
		}
	}
	return nil
}
