package domain

import "time"

type Patient struct {
	ID        string    `json:"patient_id"`
	Name      string    `json:"name"`
	Species   string    `json:"species"`
	Breed     string    `json:"breed"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// Actor is the authenticated caller that submitted a request.
type Actor struct {
	ID string `json:"id"`
}
