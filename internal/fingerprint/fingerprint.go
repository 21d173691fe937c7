// Package fingerprint encodes the synthetic client fingerprints that some
// connectors force onto outbound requests.
package fingerprint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/biter777/countries"
)

// Header carries a forced fingerprint to the fingerprinting collaborator.
const Header = "X-Fingerprint"

// DefaultUserAgent is the user agent reported by synthetic fingerprints.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "

// Fingerprint describes the client a request appears to come from.
type Fingerprint struct {
	IP            string   `json:"ip,omitempty"`
	UserAgent     string   `json:"useragent,omitempty"`
	ASNNetwork    string   `json:"asnNetwork,omitempty"`
	ASNName       string   `json:"asnName,omitempty"`
	ContinentName string   `json:"continentName,omitempty"`
	ContinentCode string   `json:"continentCode,omitempty"`
	CountryName   string   `json:"countryName,omitempty"`
	CountryCode   string   `json:"countryCode,omitempty"`
	CityName      string   `json:"cityName,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
}

// Encode returns base64(JSON(f)), the value of the X-Fingerprint header.
func (f *Fingerprint) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses a header value produced by Encode.
func Decode(s string) (*Fingerprint, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("fingerprint decode: %w", err)
	}
	var f Fingerprint
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("fingerprint decode: %w", err)
	}
	return &f, nil
}

// Attach sets the X-Fingerprint header on h. A nil f leaves h untouched.
func Attach(h http.Header, f *Fingerprint) error {
	if f == nil {
		return nil
	}
	v, err := f.Encode()
	if err != nil {
		return err
	}
	h.Set(Header, v)
	return nil
}

// Synthetic returns the deterministic fingerprint used by local and test
// connectors. region becomes the continent name when set; countryCode is an
// ISO 3166 code or name and defaults to FR.
func Synthetic(region, countryCode string) (*Fingerprint, error) {
	if countryCode == "" {
		countryCode = "FR"
	}
	c := countries.ByName(countryCode)
	if c == countries.Unknown {
		return nil, fmt.Errorf("fingerprint: unknown country %q", countryCode)
	}

	f := &Fingerprint{
		IP:            "1.1.1.1",
		UserAgent:     DefaultUserAgent,
		ASNNetwork:    "1.1.1.0/24",
		ASNName:       "Dummy ASN",
		ContinentName: c.Region().String(),
		ContinentCode: continentCode(c.Region()),
		CountryName:   c.String(),
		CountryCode:   c.Alpha2(),
		CityName:      c.Capital().String(),
		Timezone:      "UTC",
	}
	if region != "" {
		f.ContinentName = region
	}

	if c == countries.France {
		lat, lon := 48.8566, 2.3522
		f.CityName = "Paris"
		f.Latitude, f.Longitude = &lat, &lon
		f.Timezone = "Europe/Paris"
	}

	return f, nil
}

func continentCode(r countries.RegionCode) string {
	switch r {
	case countries.RegionAF:
		return "AF"
	case countries.RegionNA:
		return "NA"
	case countries.RegionSA:
		return "SA"
	case countries.RegionOC:
		return "OC"
	case countries.RegionAN:
		return "AN"
	case countries.RegionAS:
		return "AS"
	case countries.RegionEU:
		return "EU"
	default:
		return "XX"
	}
}
