package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuleAlreadyExists is matched by errors reporting a duplicate rule key
	ErrRuleAlreadyExists = errors.New("rule already exists")

	// ErrRuleRemoved is matched by errors reporting a mutation of a REMOVED rule
	ErrRuleRemoved = errors.New("rule is removed")

	// ErrRuleKindMismatch is returned when an operation does not apply to the
	// rule's kind, e.g. deleting a provider rule or renaming it
	ErrRuleKindMismatch = errors.New("operation not applicable to this kind of rule")
)

// ValidationError collects every user input problem found before a write
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, ", ")
}

// Add appends a formatted message
func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Messages = append(e.Messages, fmt.Sprintf(format, args...))
}

// OrNil returns nil when no message was collected
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return e
}

// ReactivationError reports that a REMOVED rule already uses the requested
// key and the caller asked not to reactivate it
type ReactivationError struct {
	Key RuleKey
}

func (e *ReactivationError) Error() string {
	return fmt.Sprintf("A removed rule with the key '%s' already exists", e.Key.Rule)
}

// AlreadyExistsError reports a live rule using the requested key
type AlreadyExistsError struct {
	Key RuleKey
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("A rule with the key '%s' already exists", e.Key.Rule)
}

// Is makes errors.Is(err, ErrRuleAlreadyExists) match
func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrRuleAlreadyExists
}

// RemovedRuleError reports an update attempted on a REMOVED rule
type RemovedRuleError struct {
	Key RuleKey
}

func (e *RemovedRuleError) Error() string {
	return fmt.Sprintf("Rule with REMOVED status cannot be updated: %s", e.Key)
}

// Is makes errors.Is(err, ErrRuleRemoved) match
func (e *RemovedRuleError) Is(target error) bool {
	return target == ErrRuleRemoved
}
