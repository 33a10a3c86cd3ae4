package gateway

// Route maps evidence attributes to the sections that should see it.
// Empty fields are wildcards; a route matches when every non-empty
// field matches.
type Route struct {
	Kind           string   `mapstructure:"kind" json:"kind,omitempty"`
	Classification string   `mapstructure:"classification" json:"classification,omitempty"`
	Tags           []string `mapstructure:"tags" json:"tags,omitempty"`
	Sections       []string `mapstructure:"sections" json:"sections" validate:"required,min=1"`
}

// EvidenceAttrs is the routing view of an indexed evidence item.
type EvidenceAttrs struct {
	EvidenceID     string
	Kind           string
	Classification string
	Tags           []string
	SectionHints   []string
}

func (r Route) matches(ev EvidenceAttrs) bool {
	if r.Kind != "" && r.Kind != ev.Kind {
		return false
	}
	if r.Classification != "" && r.Classification != ev.Classification {
		return false
	}
	if len(r.Tags) > 0 && !intersects(r.Tags, ev.Tags) {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// targetSections resolves the section set for an evidence item: the
// union of matching route targets and the item's own section hints.
func targetSections(routes []Route, ev EvidenceAttrs) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, r := range routes {
		if r.matches(ev) {
			for _, s := range r.Sections {
				add(s)
			}
		}
	}
	for _, s := range ev.SectionHints {
		add(s)
	}
	return out
}
