package geo

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Unknown fills a location part no provider could supply.
const Unknown = "Unknown"

// UnknownLocation is cached and returned when no provider answers.
const UnknownLocation = Unknown + "-" + Unknown + "-" + Unknown

// Location is one provider's answer.
type Location struct {
	CountryCode string
	Country     string
	City        string
}

// Accepted reports whether the answer carries both country fields.
func (l Location) Accepted() bool {
	return l.CountryCode != "" && l.Country != ""
}

// CityKnown reports whether the city is present and not the sentinel.
func (l Location) CityKnown() bool {
	return l.City != "" && !strings.EqualFold(l.City, Unknown)
}

// String renders the {countryCode}-{country}-{city} form stored in
// resources.server_region.
func (l Location) String() string {
	city := l.City
	if city == "" {
		city = Unknown
	}
	return l.CountryCode + "-" + l.Country + "-" + city
}

// Provider names accepted in geo.providers.
const (
	ProviderIPInfo        = "ipinfo"
	ProviderIPAPI         = "ip-api"
	ProviderIPGeolocation = "ipgeolocation"
	ProviderIPWho         = "ipwho"
)

// ProviderSpec describes how to query one provider and read its answer.
type ProviderSpec struct {
	Name    string
	BaseURL string
	// Path builds the request URL relative to BaseURL. An empty ip asks the
	// provider about the caller's own address.
	Path func(ip, key string) string
	// Authorize adds credentials to the request when the provider takes a
	// header instead of a query parameter.
	Authorize func(req *http.Request, key string)

	CodeField    string
	CountryField string
	CityField    string
	// CountryFromCode derives the country name from the ISO code for
	// providers that only return the code.
	CountryFromCode bool
	// Reject inspects the decoded body for provider-level failures reported
	// with a 200 status.
	Reject func(body map[string]any) bool
}

// Providers is the adapter table, keyed by provider name.
var Providers = map[string]ProviderSpec{
	ProviderIPInfo: {
		Name:    ProviderIPInfo,
		BaseURL: "https://ipinfo.io",
		Path: func(ip, _ string) string {
			if ip == "" {
				return "/json"
			}
			return "/" + url.PathEscape(ip) + "/json"
		},
		Authorize: func(req *http.Request, key string) {
			if key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
		},
		CodeField:       "country",
		CityField:       "city",
		CountryFromCode: true,
	},
	ProviderIPAPI: {
		Name:    ProviderIPAPI,
		BaseURL: "http://ip-api.com",
		Path: func(ip, _ string) string {
			return "/json/" + url.PathEscape(ip) + "?fields=status,message,country,countryCode,region,regionName,city,query"
		},
		CodeField:    "countryCode",
		CountryField: "country",
		CityField:    "city",
		Reject: func(body map[string]any) bool {
			return body["status"] == "fail"
		},
	},
	ProviderIPGeolocation: {
		Name:    ProviderIPGeolocation,
		BaseURL: "https://api.ipgeolocation.io",
		Path: func(ip, key string) string {
			q := url.Values{}
			q.Set("apiKey", key)
			if ip != "" {
				q.Set("ip", ip)
			}
			return "/ipgeo?" + q.Encode()
		},
		CodeField:    "country_code2",
		CountryField: "country_name",
		CityField:    "city",
	},
	ProviderIPWho: {
		Name:    ProviderIPWho,
		BaseURL: "https://ipwho.is",
		Path: func(ip, _ string) string {
			return "/" + url.PathEscape(ip)
		},
		CodeField:    "country_code",
		CountryField: "country",
		CityField:    "city",
		Reject: func(body map[string]any) bool {
			ok, present := body["success"].(bool)
			return present && !ok
		},
	},
}

// DefaultProviders is the query order used when none is configured.
var DefaultProviders = []string{ProviderIPInfo, ProviderIPAPI, ProviderIPGeolocation, ProviderIPWho}

// LookupSpec returns the adapter for name.
func LookupSpec(name string) (ProviderSpec, error) {
	spec, ok := Providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ProviderSpec{}, fmt.Errorf("unknown geolocation provider %q", name)
	}
	return spec, nil
}

// parse maps a decoded body onto a Location. Missing fields stay empty.
func (p ProviderSpec) parse(body map[string]any) Location {
	if p.Reject != nil && p.Reject(body) {
		return Location{}
	}
	loc := Location{
		CountryCode: stringField(body, p.CodeField),
		City:        stringField(body, p.CityField),
	}
	if p.CountryFromCode {
		loc.Country = CountryName(loc.CountryCode)
	} else {
		loc.Country = stringField(body, p.CountryField)
	}
	return loc
}

func stringField(body map[string]any, key string) string {
	if key == "" {
		return ""
	}
	s, _ := body[key].(string)
	return strings.TrimSpace(s)
}

// commonCountryNames holds the short names ip-api and ipwho use where CLDR
// spells a country differently, so every provider agrees on one region key.
var commonCountryNames = map[string]string{
	"US": "United States",
	"GB": "United Kingdom",
	"HK": "Hong Kong",
	"MO": "Macao",
	"TW": "Taiwan",
	"KR": "South Korea",
	"KP": "North Korea",
	"CZ": "Czech Republic",
	"RU": "Russia",
	"TR": "Turkey",
	"VN": "Vietnam",
	"IR": "Iran",
	"SY": "Syria",
	"LA": "Laos",
	"MD": "Moldova",
	"BO": "Bolivia",
	"VE": "Venezuela",
	"TZ": "Tanzania",
	"PS": "Palestine",
	"MK": "North Macedonia",
	"CD": "DR Congo",
	"CG": "Congo Republic",
	"CI": "Ivory Coast",
	"MM": "Myanmar",
	"BN": "Brunei",
}

// CountryName returns the English name of an ISO 3166 region code, or the
// code itself when it is not recognized.
func CountryName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if name, ok := commonCountryNames[code]; ok {
		return name
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	if name := display.English.Regions().Name(region); name != "" {
		return name
	}
	return code
}
