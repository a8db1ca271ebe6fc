package fsm

// LeadData accumulates qualification details extracted across turns. Later
// non-empty values win; objections append without duplicates.
type LeadData struct {
	Name          string   `json:"name,omitempty"`
	Intent        string   `json:"intent,omitempty"`
	PropertyType  string   `json:"propertyType,omitempty"`
	Budget        string   `json:"budget,omitempty"`
	Location      string   `json:"location,omitempty"`
	Timeline      string   `json:"timeline,omitempty"`
	SiteVisitDate string   `json:"siteVisitDate,omitempty"`
	Objections    []string `json:"objections,omitempty"`
}

// Merge overlays other on l, keeping existing values where other is empty.
func (l *LeadData) Merge(other LeadData) {
	if other.Name != "" {
		l.Name = other.Name
	}
	if other.Intent != "" {
		l.Intent = other.Intent
	}
	if other.PropertyType != "" {
		l.PropertyType = other.PropertyType
	}
	if other.Budget != "" {
		l.Budget = other.Budget
	}
	if other.Location != "" {
		l.Location = other.Location
	}
	if other.Timeline != "" {
		l.Timeline = other.Timeline
	}
	if other.SiteVisitDate != "" {
		l.SiteVisitDate = other.SiteVisitDate
	}
	for _, o := range other.Objections {
		if !containsString(l.Objections, o) {
			l.Objections = append(l.Objections, o)
		}
	}
}

// Empty reports whether no field has been captured yet.
func (l LeadData) Empty() bool {
	return l.Name == "" && l.Intent == "" && l.PropertyType == "" &&
		l.Budget == "" && l.Location == "" && l.Timeline == "" &&
		l.SiteVisitDate == "" && len(l.Objections) == 0
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
