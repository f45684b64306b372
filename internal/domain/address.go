package domain

// Coordinates of a resolved delivery location.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Address is produced by the external address resolver and passed in at checkout.
type Address struct {
	Formatted   string      `json:"formatted" bson:"formatted"`
	Coordinates Coordinates `json:"coordinates" bson:"coordinates"`
	Deliverable bool        `json:"deliverable" bson:"deliverable"`
}
