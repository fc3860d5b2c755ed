package domain

// Branch is the physical location a queue operates at. Directory data
// (institution, address, opening info) lives in the excluded CRUD
// layer; the engine only needs coordinates for proximity alerts.
type Branch struct {
	ID            string  `json:"id"`
	InstitutionID string  `json:"institution_id"`
	Name          string  `json:"name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}
