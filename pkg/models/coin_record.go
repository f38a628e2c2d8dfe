package models

import "time"

// Canonical field names used as RawFieldMap keys.
const (
	FieldPCGSNumber      = "pcgs_number"
	FieldGrade           = "grade"
	FieldDateMintmark    = "date_mintmark"
	FieldDenomination    = "denomination"
	FieldVariety         = "variety"
	FieldRegion          = "region"
	FieldSecurity        = "security"
	FieldHolderType      = "holder_type"
	FieldPriceGuideValue = "price_guide_value"
	FieldPopulation      = "population"
	FieldPopHigher       = "pop_higher"
	FieldMintage         = "mintage"
	FieldImageURL        = "image_url"
)

// RawFieldMap holds the text extracted for one scrape, keyed by canonical field
// name. A key that is missing means the page did not show that field.
type RawFieldMap map[string]string

// CoinRecord is the stored form of one graded coin, identified by its
// certificate number. Optional fields are nil when the source page omits them.
//
// PriceGuideValue, Population, PopHigher and Mintage are kept as displayed
// ("$1,250", "1,234"); parsing them is up to the reader.
type CoinRecord struct {
	CertNumber      string    `json:"cert_number"`
	PCGSNumber      *string   `json:"pcgs_number,omitempty"`
	Grade           *string   `json:"grade,omitempty"`
	DateMintmark    *string   `json:"date_mintmark,omitempty"`
	Denomination    *string   `json:"denomination,omitempty"`
	Variety         *string   `json:"variety,omitempty"`
	Region          *string   `json:"region,omitempty"`
	Security        *string   `json:"security,omitempty"`
	HolderType      *string   `json:"holder_type,omitempty"`
	PriceGuideValue *string   `json:"price_guide_value,omitempty"`
	Population      *string   `json:"population,omitempty"`
	PopHigher       *string   `json:"pop_higher,omitempty"`
	Mintage         *string   `json:"mintage,omitempty"`
	ImageURL        *string   `json:"image_url,omitempty"`
	LocalImagePath  *string   `json:"local_image_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
