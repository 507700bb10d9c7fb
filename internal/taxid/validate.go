// Package taxid validates EU VAT identifiers and looks up Polish NIP numbers
// in the Ministry of Finance VAT white-list.
package taxid

import (
	"regexp"
	"strings"
)

// Reasons reported for invalid identifiers.
const (
	ReasonEmpty              = "empty"
	ReasonUnsupportedCountry = "unsupported-country"
	ReasonInvalidFormat      = "invalid-format"
	ReasonInvalidChecksum    = "invalid-checksum"
)

// CountryPL is the default country for identifiers without a prefix.
const CountryPL = "PL"

var nipWeights = [9]int{6, 5, 7, 2, 3, 4, 5, 6, 7}

var euPatterns = map[string]*regexp.Regexp{
	"AT": regexp.MustCompile(`^U\d{8}$`),
	"BE": regexp.MustCompile(`^[01]\d{9}$`),
	"BG": regexp.MustCompile(`^\d{9,10}$`),
	"CY": regexp.MustCompile(`^\d{8}[A-Z]$`),
	"CZ": regexp.MustCompile(`^\d{8,10}$`),
	"DE": regexp.MustCompile(`^\d{9}$`),
	"DK": regexp.MustCompile(`^\d{8}$`),
	"EE": regexp.MustCompile(`^\d{9}$`),
	"EL": regexp.MustCompile(`^\d{9}$`),
	"ES": regexp.MustCompile(`^[A-Z0-9]\d{7}[A-Z0-9]$`),
	"FI": regexp.MustCompile(`^\d{8}$`),
	"FR": regexp.MustCompile(`^[A-HJ-NP-Z0-9]{2}\d{9}$`),
	"HR": regexp.MustCompile(`^\d{11}$`),
	"HU": regexp.MustCompile(`^\d{8}$`),
	"IE": regexp.MustCompile(`^(\d{7}[A-W][A-I]?|\d[A-Z+*]\d{5}[A-W])$`),
	"IT": regexp.MustCompile(`^\d{11}$`),
	"LT": regexp.MustCompile(`^(\d{9}|\d{12})$`),
	"LU": regexp.MustCompile(`^\d{8}$`),
	"LV": regexp.MustCompile(`^\d{11}$`),
	"MT": regexp.MustCompile(`^\d{8}$`),
	"NL": regexp.MustCompile(`^\d{9}B\d{2}$`),
	"PT": regexp.MustCompile(`^\d{9}$`),
	"RO": regexp.MustCompile(`^\d{2,10}$`),
	"SE": regexp.MustCompile(`^\d{10}01$`),
	"SI": regexp.MustCompile(`^\d{8}$`),
	"SK": regexp.MustCompile(`^\d{10}$`),
}

var separators = strings.NewReplacer(" ", "", "-", "", ".", "", "\t", "")

// Result is the outcome of validating a tax identifier.
type Result struct {
	Input   string `json:"input"`
	Country string `json:"country"`
	Number  string `json:"number"`
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
}

// Normalize strips separators and splits off an optional two-letter country
// prefix. Identifiers without a prefix are treated as Polish. GR is mapped to EL.
func Normalize(raw string) (country, number string) {
	v := strings.ToUpper(separators.Replace(strings.TrimSpace(raw)))
	if len(v) >= 2 && isLetter(v[0]) && isLetter(v[1]) {
		country, number = v[:2], v[2:]
	} else {
		country, number = CountryPL, v
	}
	if country == "GR" {
		country = "EL"
	}
	return country, number
}

func isLetter(b byte) bool { return b >= 'A' && b <= 'Z' }

// ValidateNIP reports whether nip is a ten-digit Polish NIP with a valid checksum.
func ValidateNIP(nip string) bool {
	if len(nip) != 10 {
		return false
	}
	sum, zero := 0, true
	for i := 0; i < 10; i++ {
		c := nip[i]
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			zero = false
		}
		if i < 9 {
			sum += int(c-'0') * nipWeights[i]
		}
	}
	check := sum % 11
	return !zero && check != 10 && check == int(nip[9]-'0')
}

// Validate checks raw against the NIP checksum for Poland or the format
// pattern of another EU member state.
func Validate(raw string) Result {
	res := Result{Input: raw}
	res.Country, res.Number = Normalize(raw)
	switch {
	case res.Number == "":
		res.Reason = ReasonEmpty
	case res.Country == CountryPL:
		if len(res.Number) != 10 || strings.Trim(res.Number, "0123456789") != "" {
			res.Reason = ReasonInvalidFormat
		} else if !ValidateNIP(res.Number) {
			res.Reason = ReasonInvalidChecksum
		} else {
			res.Valid = true
		}
	default:
		pattern, ok := euPatterns[res.Country]
		if !ok {
			res.Reason = ReasonUnsupportedCountry
		} else if !pattern.MatchString(res.Number) {
			res.Reason = ReasonInvalidFormat
		} else {
			res.Valid = true
		}
	}
	return res
}
