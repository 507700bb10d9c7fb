package taxid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateNIP(t *testing.T) {
	for _, nip := range []string{"5260250274", "7740001454", "1234563218"} {
		require.True(t, ValidateNIP(nip), nip)
	}
	for _, nip := range []string{"1234567890", "5260250275", "526025027", "52602502744", "526025027X", "0000000000"} {
		require.False(t, ValidateNIP(nip), nip)
	}
}

func TestNormalize(t *testing.T) {
	country, number := Normalize(" pl 526-025-02.74 ")
	require.Equal(t, "PL", country)
	require.Equal(t, "5260250274", number)

	country, number = Normalize("526 025 02 74")
	require.Equal(t, "PL", country)
	require.Equal(t, "5260250274", number)

	country, number = Normalize("GR 123456789")
	require.Equal(t, "EL", country)
	require.Equal(t, "123456789", number)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		raw     string
		valid   bool
		country string
		reason  string
	}{
		{"PL5260250274", true, "PL", ""},
		{"5260250275", false, "PL", ReasonInvalidChecksum},
		{"52602502", false, "PL", ReasonInvalidFormat},
		{"DE123456789", true, "DE", ""},
		{"DE12345678", false, "DE", ReasonInvalidFormat},
		{"NL123456789B01", true, "NL", ""},
		{"ATU12345678", true, "AT", ""},
		{"FR12345678901", true, "FR", ""},
		{"US123456789", false, "US", ReasonUnsupportedCountry},
		{"  ", false, "PL", ReasonEmpty},
	}
	for _, tc := range cases {
		res := Validate(tc.raw)
		require.Equal(t, tc.valid, res.Valid, tc.raw)
		require.Equal(t, tc.country, res.Country, tc.raw)
		require.Equal(t, tc.reason, res.Reason, tc.raw)
	}
}
