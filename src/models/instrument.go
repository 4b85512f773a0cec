package models

type Instrument struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	ISIN   string `json:"isin,omitempty"`
}
