package config

import "sessiondb/pkg/validation"

// Rules converts the YAML validation section into the rule set the
// validation package consumes.
func (c *Config) Rules() validation.Rules {
	r := validation.Rules{Required: c.Validation.Required}
	if len(c.Validation.Types) > 0 {
		r.Types = make(map[string]string, len(c.Validation.Types))
		for _, t := range c.Validation.Types {
			r.Types[t.Path] = t.Type
		}
	}
	if len(c.Validation.MaxLen) > 0 {
		r.MaxLen = make(map[string]int, len(c.Validation.MaxLen))
		for _, m := range c.Validation.MaxLen {
			r.MaxLen[m.Path] = m.Max
		}
	}
	if len(c.Validation.Enums) > 0 {
		r.Enums = make(map[string][]string, len(c.Validation.Enums))
		for _, e := range c.Validation.Enums {
			r.Enums[e.Path] = e.Values
		}
	}
	for _, wt := range c.Validation.WhenThen {
		r.WhenThen = append(r.WhenThen, validation.WhenThenRule{
			WhenPath: wt.When.Path,
			Equals:   wt.When.Equals,
			ThenReq:  wt.Then.Required,
		})
	}
	return r
}
