package models

import "time"

// Page is a rendered certificate lookup page, captured once the content-ready
// condition has been observed.
type Page struct {
	CertNumber string
	URL        string
	HTML       string
	StatusCode int
	LoadTime   time.Duration
}
