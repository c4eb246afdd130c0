package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var tagPattern = regexp.MustCompile(`^[a-z0-9+#\-.]+$`)

// ValidateTag checks a tag against the rule tag format
func ValidateTag(tag string) error {
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("Tag '%s' is invalid. Rule tags accept only the characters: a-z, 0-9, '+', '-', '#', '.'", tag)
	}
	return nil
}

// ApplyTags replaces the user tags of rule with the requested ones. Tags that
// collide with a system tag are dropped. Returns whether the user tag set changed.
func ApplyTags(rule *Rule, requested []string) (bool, error) {
	var invalid []string
	for _, tag := range requested {
		if err := ValidateTag(tag); err != nil {
			invalid = append(invalid, err.Error())
		}
	}
	if len(invalid) > 0 {
		return false, &ValidationError{Messages: invalid}
	}

	system := toSet(rule.SystemTags)
	filtered := make([]string, 0, len(requested))
	for _, tag := range requested {
		if _, ok := system[tag]; !ok {
			filtered = append(filtered, tag)
		}
	}
	next := NormalizeTags(filtered)

	changed := !sameSet(rule.Tags, next)
	rule.Tags = next
	return changed, nil
}

// ApplySystemTags sets the declared system tags and removes user tags that now
// collide with them. Returns whether either set changed.
func ApplySystemTags(rule *Rule, declared []string) bool {
	nextSystem := NormalizeTags(declared)
	system := toSet(nextSystem)

	nextTags := make([]string, 0, len(rule.Tags))
	for _, tag := range rule.Tags {
		if _, ok := system[tag]; !ok {
			nextTags = append(nextTags, tag)
		}
	}
	nextTags = NormalizeTags(nextTags)

	changed := !sameSet(rule.SystemTags, nextSystem) || !sameSet(rule.Tags, nextTags)
	rule.SystemTags = nextSystem
	rule.Tags = nextTags
	return changed
}

// NormalizeTags trims, deduplicates and sorts tags. Never returns nil.
func NormalizeTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := set[tag]; dup {
			continue
		}
		set[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sameSet(a, b []string) bool {
	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for v := range sa {
		if _, ok := sb[v]; !ok {
			return false
		}
	}
	return true
}
