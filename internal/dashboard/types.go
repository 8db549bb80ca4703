// Package dashboard implements the Status Dashboard client (component
// fetch, incident post, JWT auth) and the component cache with
// subset-attribute matching and bounded refresh-on-miss.
package dashboard

// Attribute is a single {name, value} pair.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor is a configured component reference: {name, attributes}.
type Descriptor struct {
	Name       string
	Attributes []Attribute
}

// Component is a Dashboard component as returned by GET /v2/components.
type Component struct {
	ID         uint32      `json:"id"`
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes"`
}

// IncidentPayload is the exact public wire shape posted to
// POST /v2/incidents. It deliberately carries no service, environment,
// component-name, attribute, or metric identifier strings — only the
// fields listed here ever reach the Dashboard.
type IncidentPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Impact      uint8    `json:"impact"`
	Components  []uint32 `json:"components"`
	StartDate   string   `json:"start_date"`
	System      bool     `json:"system"`
	Type        string   `json:"type"`
}

const (
	incidentTitle       = "System incident from monitoring system"
	incidentDescription = "System-wide incident affecting one or multiple components. Created automatically."
	incidentType        = "incident"
)

// NewIncidentPayload builds the fixed-shape incident payload for a single
// component. startDate must already be RFC3339 UTC.
func NewIncidentPayload(componentID uint32, impact uint8, startDate string) IncidentPayload {
	return IncidentPayload{
		Title:       incidentTitle,
		Description: incidentDescription,
		Impact:      impact,
		Components:  []uint32{componentID},
		StartDate:   startDate,
		System:      true,
		Type:        incidentType,
	}
}
