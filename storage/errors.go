package storage

import "errors"

// Storage error constants
var (
	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrProfileNotFound is returned when a quality profile is not found
	ErrProfileNotFound = errors.New("quality profile not found")

	// ErrActiveRuleNotFound is returned when a rule is not activated in a profile
	ErrActiveRuleNotFound = errors.New("active rule not found")

	// ErrCharacteristicNotFound is returned when a debt characteristic is not found
	ErrCharacteristicNotFound = errors.New("characteristic not found")

	// ErrDuplicateRule is returned when a rule key is already used
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrDuplicateProfile is returned when a profile name is already used for a language
	ErrDuplicateProfile = errors.New("quality profile already exists")

	// ErrDuplicateActiveRule is returned when a rule is already activated in a profile
	ErrDuplicateActiveRule = errors.New("rule already activated in profile")
)
