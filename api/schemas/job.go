package schemas

import "time"

// -- Job Schemas --

// Job is the unit of work handed to the engine, either directly or through a queue.
type Job struct {
	ID           string `json:"id"`
	TargetURL    string `json:"target_url"`
	Manufacturer string `json:"manufacturer,omitempty"`
	// Profile overrides the configured device profile when set.
	Profile   string           `json:"profile,omitempty"`
	Data      RegistrationData `json:"data"`
	Mapping   *FieldMapping    `json:"mapping,omitempty"`
	Submitted time.Time        `json:"submitted_at"`
}

// ManufacturerName prefers the explicit job field over the product record.
func (j Job) ManufacturerName() string {
	if j.Manufacturer != "" {
		return j.Manufacturer
	}
	return j.Data.Product.Manufacturer
}
