package pricing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayPlaces is the number of decimal places shown to customers.
const DisplayPlaces int32 = 2

// ErrTotalMismatch is returned when a client-submitted total differs from the server recomputation.
var ErrTotalMismatch = errors.New("pricing: client total does not match server total")

// DisplayResult is a rounded, string-encoded breakdown suitable for JSON responses.
type DisplayResult struct {
	BasePrice      string `json:"basePrice"`
	DiscountAmount string `json:"discountAmount"`
	TotalGross     string `json:"totalGross"`
	TotalNet       string `json:"totalNet"`
	VATAmount      string `json:"vatAmount"`
	VATRate        string `json:"vatRate"`
}

// Round applies round-half-up at display precision.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(DisplayPlaces)
}

// Display rounds every component for presentation.
func (r Result) Display() DisplayResult {
	return DisplayResult{
		BasePrice:      Round(r.BasePrice).StringFixed(DisplayPlaces),
		DiscountAmount: Round(r.DiscountAmount).StringFixed(DisplayPlaces),
		TotalGross:     Round(r.TotalGross).StringFixed(DisplayPlaces),
		TotalNet:       Round(r.TotalNet).StringFixed(DisplayPlaces),
		VATAmount:      Round(r.VATAmount).StringFixed(DisplayPlaces),
		VATRate:        r.VATRate.String(),
	}
}

// Authorize compares a client-submitted total against the server result at display precision.
// A nil client total means the client did not assert one and nothing is compared.
func Authorize(clientTotal *decimal.Decimal, server Result) error {
	if clientTotal == nil {
		return nil
	}
	if !Round(*clientTotal).Equal(Round(server.TotalGross)) {
		return ErrTotalMismatch
	}
	return nil
}

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "ISK": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// MinorUnits converts an amount into the provider's smallest currency unit.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if amount.IsNegative() {
		return 0
	}
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return amount.Round(0).IntPart()
	}
	return Round(amount).Shift(DisplayPlaces).IntPart()
}

// FromMinorUnits converts a provider amount back into currency units.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -DisplayPlaces)
}
