package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Parameter base types
const (
	ParamString           = "STRING"
	ParamText             = "TEXT"
	ParamBoolean          = "BOOLEAN"
	ParamInteger          = "INTEGER"
	ParamFloat            = "FLOAT"
	ParamSingleSelectList = "SINGLE_SELECT_LIST"
)

// ParamType is the parsed form of a rule parameter type such as
// "INTEGER,multiple=true,values=1;2;3"
type ParamType struct {
	Base     string
	Multiple bool
	Values   []string
}

// ParseParamType parses the declared type text. An empty text means STRING.
func ParseParamType(s string) (ParamType, error) {
	if strings.TrimSpace(s) == "" {
		return ParamType{Base: ParamString}, nil
	}
	parts := strings.Split(s, ",")
	pt := ParamType{Base: strings.ToUpper(strings.TrimSpace(parts[0]))}
	switch pt.Base {
	case ParamString, ParamText, ParamBoolean, ParamInteger, ParamFloat, ParamSingleSelectList:
	default:
		return ParamType{}, fmt.Errorf("unknown parameter type %q", parts[0])
	}
	for _, opt := range parts[1:] {
		name, value, found := strings.Cut(strings.TrimSpace(opt), "=")
		if !found {
			return ParamType{}, fmt.Errorf("malformed parameter type option %q", opt)
		}
		switch name {
		case "multiple":
			pt.Multiple = value == "true"
		case "values":
			for _, v := range strings.Split(value, ";") {
				if v = strings.TrimSpace(v); v != "" {
					pt.Values = append(pt.Values, v)
				}
			}
		default:
			return ParamType{}, fmt.Errorf("unknown parameter type option %q", name)
		}
	}
	return pt, nil
}

// String renders the declared text form
func (p ParamType) String() string {
	s := p.Base
	if p.Multiple {
		s += ",multiple=true"
	}
	if len(p.Values) > 0 {
		s += ",values=" + strings.Join(p.Values, ";")
	}
	return s
}

// Validate checks value against the type. Multi-valued types are validated
// element by element on the comma-split list.
func (p ParamType) Validate(value string) error {
	if !p.Multiple {
		return p.validateOne(strings.TrimSpace(value))
	}
	for _, v := range strings.Split(value, ",") {
		if err := p.validateOne(strings.TrimSpace(v)); err != nil {
			return err
		}
	}
	return nil
}

func (p ParamType) validateOne(value string) error {
	switch p.Base {
	case ParamInteger:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("Value '%s' must be an integer.", value)
		}
	case ParamFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("Value '%s' must be a float.", value)
		}
	case ParamBoolean:
		if value != "true" && value != "false" {
			return fmt.Errorf("Value '%s' must be one of : true,false.", value)
		}
	}
	if len(p.Values) > 0 && !contains(p.Values, value) {
		return fmt.Errorf("Value '%s' must be one of : %s.", value, strings.Join(p.Values, ", "))
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
