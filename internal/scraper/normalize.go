package scraper

import (
	"strings"

	"go-certscraper/pkg/models"
)

// Normalize turns extracted text into a CoinRecord. It trims each value and
// collapses internal whitespace runs, and does nothing else: currency and
// count text such as "$1,250" is kept exactly as displayed. Missing or blank
// fields stay nil. Timestamps and LocalImagePath are left for the caller.
func Normalize(certNumber string, raw models.RawFieldMap) models.CoinRecord {
	return models.CoinRecord{
		CertNumber:      collapseSpace(certNumber),
		PCGSNumber:      field(raw, models.FieldPCGSNumber),
		Grade:           field(raw, models.FieldGrade),
		DateMintmark:    field(raw, models.FieldDateMintmark),
		Denomination:    field(raw, models.FieldDenomination),
		Variety:         field(raw, models.FieldVariety),
		Region:          field(raw, models.FieldRegion),
		Security:        field(raw, models.FieldSecurity),
		HolderType:      field(raw, models.FieldHolderType),
		PriceGuideValue: field(raw, models.FieldPriceGuideValue),
		Population:      field(raw, models.FieldPopulation),
		PopHigher:       field(raw, models.FieldPopHigher),
		Mintage:         field(raw, models.FieldMintage),
		ImageURL:        field(raw, models.FieldImageURL),
	}
}

func field(raw models.RawFieldMap, name string) *string {
	v, ok := raw[name]
	if !ok {
		return nil
	}
	v = collapseSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// collapseSpace trims s and replaces every run of whitespace with one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
