package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/die-net/switchyard/internal/fingerprint"
)

// Fingerprint checks against datacenter proxies are excluded from traffic
// metrics with this CONNECT header.
const metricsHeader = "X-Switchyard-Metrics"

func init() {
	RegisterKind(ProxyKind)
	RegisterKind(DatacenterKind)
	RegisterKind(DatacenterLocalKind)
	RegisterKind(ProxyLocalKind)
	RegisterKind(ZyteKind)
	RegisterKind(NetnutKind)
	RegisterKind(BrightdataKind)
	RegisterKind(IPRoyalResidentialKind)
	RegisterKind(ProxyrackKind)
}

// ProxyKind reaches a generic upstream given as a proxy URL.
var ProxyKind = Kind{
	Name: "proxy",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		d, err := ParseProxyURL(c.URL)
		if err != nil {
			return nil, err
		}
		d.Key = key
		if d.Username == "" {
			d.Username, d.Password = c.Username, c.Password
		}
		return d, completeCommon(c, d)
	},
}

// DatacenterKind reaches a platform-operated HTTPS proxy with a client
// certificate.
var DatacenterKind = Kind{
	Name:                     "datacenter",
	Complete:                 completeDatacenter,
	FingerprintConnectHeader: http.Header{metricsHeader: []string{"ignore"}},
}

// DatacenterLocalKind is DatacenterKind with a synthetic fingerprint forced
// onto every request.
var DatacenterLocalKind = Kind{
	Name: "datacenter-local",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		d, err := completeDatacenter(c, key)
		if err != nil {
			return nil, err
		}
		if d.Fingerprint, err = fingerprint.Synthetic(c.Region, c.Country); err != nil {
			return nil, &ConfigError{Field: "country", Err: err}
		}
		return d, nil
	},
	FingerprintConnectHeader: http.Header{metricsHeader: []string{"ignore"}},
}

func completeDatacenter(c *Connector, key string) (*ProxyDescriptor, error) {
	if err := requireHost(c.Hostname, c.Port); err != nil {
		return nil, err
	}
	if c.Certificate == nil {
		return nil, configErrorf("certificate", "datacenter proxies need a client certificate")
	}
	d := &ProxyDescriptor{
		Key:         key,
		Type:        TypeHTTPS,
		Address:     Address{Hostname: c.Hostname, Port: c.Port},
		Region:      c.Region,
		Certificate: c.Certificate,
	}
	return d, completeCommon(c, d)
}

// ProxyLocalKind reaches the local development proxy, which takes a
// pre-encoded token plus session and region headers.
var ProxyLocalKind = Kind{
	Name: "proxy-local",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		d, err := ParseProxyURL(c.URL)
		if err != nil {
			return nil, err
		}
		if !d.Type.isHTTP() {
			return nil, configErrorf("url", "proxy-local needs an http(s) proxy")
		}
		if c.Token == "" {
			return nil, configErrorf("token", "missing token")
		}
		d.Key = key
		d.Token = c.Token
		d.Region = c.Region
		if d.Fingerprint, err = fingerprint.Synthetic(c.Region, c.Country); err != nil {
			return nil, &ConfigError{Field: "country", Err: err}
		}
		return d, completeCommon(c, d)
	},
	Authorize: func(h http.Header, d *ProxyDescriptor) {
		h.Set("Proxy-Authorization", "Basic "+d.Token)
		h.Set("X-Proxy-Local-Session-ID", d.Key)
		h.Set("X-Proxy-Local-Region", d.Region)
	},
}

// ZyteKind reaches the Zyte smart proxy with an API token.
var ZyteKind = Kind{
	Name: "zyte",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		if c.Token == "" {
			return nil, configErrorf("token", "missing token")
		}
		d := &ProxyDescriptor{
			Key:      key,
			Type:     TypeHTTP,
			Address:  Address{Hostname: "proxy.crawlera.com", Port: 8011},
			Username: c.Token,
			Region:   c.Region,
		}
		return d, completeCommon(c, d)
	},
	Authorize: func(h http.Header, d *ProxyDescriptor) {
		basicAuthorize(h, d)
		h.Set("X-Crawlera-Session", d.Key)
		if d.Region != "" && !strings.EqualFold(d.Region, "all") {
			h.Set("X-Crawlera-Region", strings.ToUpper(d.Region))
		}
	},
}

var sessionNumber = regexp.MustCompile(`\d+`)

// NetnutKind reaches the NetNut gateway. The session id is the first run of
// digits in the session key and must not be zero.
var NetnutKind = Kind{
	Name: "netnut",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		if err := requireCredentials(c); err != nil {
			return nil, err
		}
		sid, err := strconv.Atoi(sessionNumber.FindString(key))
		if err != nil || sid == 0 {
			return nil, configErrorf("key", "invalid session key %q", key)
		}

		typ := strings.ToLower(c.ProxyType)
		if typ == "" {
			typ = "res"
		}
		country := strings.ToLower(c.Country)
		if country == "" {
			country = "any"
		}
		if typ == "mob" && country == "us" {
			country = "row"
		}

		d := &ProxyDescriptor{
			Key:      key,
			Type:     TypeHTTP,
			Address:  Address{Hostname: "gw.ntnt.io", Port: 5959},
			Username: strings.Join([]string{c.Username, typ, country, "sid", strconv.Itoa(sid)}, "-"),
			Password: c.Password,
		}
		return d, completeCommon(c, d)
	},
	ErrorHeaders: []string{"X-Squid-Error"},
}

// BrightdataKind reaches the Bright Data super proxy. Hostname and Port
// override the public gateway.
var BrightdataKind = Kind{
	Name: "brightdata",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		if err := requireCredentials(c); err != nil {
			return nil, err
		}
		addr := Address{Hostname: "brd.superproxy.io", Port: 33335}
		if c.Hostname != "" {
			addr.Hostname = c.Hostname
		}
		if c.Port != 0 {
			addr.Port = c.Port
		}
		if err := requireHost(addr.Hostname, addr.Port); err != nil {
			return nil, err
		}
		username := c.Username + "-session-" + key
		if country := strings.ToLower(c.Country); country != "" && country != "all" {
			username += "-country-" + country
		}
		d := &ProxyDescriptor{
			Key:      key,
			Type:     TypeHTTP,
			Address:  addr,
			Username: username,
			Password: c.Password,
		}
		return d, completeCommon(c, d)
	},
	ErrorHeaders:     []string{"X-Brd-Error", "X-Luminati-Error"},
	FingerprintURL:   "https://geo.brdtest.com/mygeo.json",
	ParseFingerprint: parseBrightdataFingerprint,
}

func parseBrightdataFingerprint(body []byte) (*fingerprint.Fingerprint, error) {
	var geo struct {
		Country string `json:"country"`
		ASN     struct {
			OrgName string `json:"org_name"`
		} `json:"asn"`
		Geo struct {
			City       string   `json:"city"`
			Region     string   `json:"region"`
			RegionName string   `json:"region_name"`
			TZ         string   `json:"tz"`
			Latitude   *float64 `json:"latitude"`
			Longitude  *float64 `json:"longitude"`
		} `json:"geo"`
	}
	if err := json.Unmarshal(body, &geo); err != nil {
		return nil, fmt.Errorf("parse brightdata fingerprint: %w", err)
	}
	return &fingerprint.Fingerprint{
		IP:            "hidden",
		ASNName:       geo.ASN.OrgName,
		ContinentCode: geo.Geo.Region,
		ContinentName: geo.Geo.RegionName,
		CountryCode:   geo.Country,
		CityName:      geo.Geo.City,
		Timezone:      geo.Geo.TZ,
		Latitude:      geo.Geo.Latitude,
		Longitude:     geo.Geo.Longitude,
	}, nil
}

// IPRoyalResidentialKind reaches the IPRoyal residential gateway. Session
// and targeting options travel in the password.
var IPRoyalResidentialKind = Kind{
	Name: "iproyal-residential",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		if err := requireCredentials(c); err != nil {
			return nil, err
		}
		lifetime := c.Lifetime
		if lifetime == "" {
			lifetime = "24h"
		}

		parts := []string{c.Password, "session-" + key, "lifetime-" + lifetime}
		if isSet(c.Country) {
			parts = append(parts, "country-"+strings.ToUpper(c.Country))
			if isSet(c.State) {
				parts = append(parts, "state-"+c.State)
			}
			if isSet(c.City) {
				parts = append(parts, "city-"+c.City)
			}
		}
		if c.Streaming {
			parts = append(parts, "streaming-1")
		}

		d := &ProxyDescriptor{
			Key:      key,
			Type:     TypeHTTP,
			Address:  Address{Hostname: "geo.iproyal.com", Port: 12321},
			Username: c.Username,
			Password: strings.Join(parts, "_"),
		}
		return d, completeCommon(c, d)
	},
}

// ProxyrackKind reaches the Proxyrack private residential gateway. Session
// and targeting options travel in the username.
var ProxyrackKind = Kind{
	Name: "proxyrack",
	Complete: func(c *Connector, key string) (*ProxyDescriptor, error) {
		if err := requireCredentials(c); err != nil {
			return nil, err
		}

		parts := []string{c.Username, "session-" + key}
		if isSet(c.Country) {
			parts = append(parts, "country-"+strings.ToUpper(c.Country))
			if isSet(c.City) {
				parts = append(parts, "city-"+c.City)
			}
			if isSet(c.ISP) {
				parts = append(parts, "isp-"+c.ISP)
			}
		}
		if isSet(c.OS) {
			parts = append(parts, "osName-"+c.OS)
		}

		d := &ProxyDescriptor{
			Key:      key,
			Type:     TypeHTTP,
			Address:  Address{Hostname: "private.residential.proxyrack.net", Port: 10000},
			Username: strings.Join(parts, "-"),
			Password: c.Password,
		}
		return d, completeCommon(c, d)
	},
}

// completeCommon applies the options every kind shares: cipher override,
// hello profile and Via chaining.
func completeCommon(c *Connector, d *ProxyDescriptor) error {
	ciphers, err := ParseCiphers(c.Ciphers)
	if err != nil {
		return err
	}
	d.Ciphers = ciphers

	if c.TLSProfile != "" {
		if _, err := helloID(c.TLSProfile); err != nil {
			return err
		}
		d.TLSProfile = c.TLSProfile
	}

	if c.Via != "" {
		via, err := ParseProxyURL(c.Via)
		if err != nil {
			return &ConfigError{Field: "via", Err: err}
		}
		d.Via = via
	}
	return d.validate()
}

func requireCredentials(c *Connector) error {
	if c.Username == "" {
		return configErrorf("username", "missing username")
	}
	if c.Password == "" {
		return configErrorf("password", "missing password")
	}
	return nil
}

func requireHost(hostname string, port int) error {
	if hostname == "" || !govalidator.IsHost(hostname) {
		return configErrorf("hostname", "invalid hostname %q", hostname)
	}
	if port <= 0 || port > 65535 {
		return configErrorf("port", "invalid port %d", port)
	}
	return nil
}

// isSet reports whether a targeting option narrows the pool; "all" and the
// empty string do not.
func isSet(v string) bool {
	return v != "" && !strings.EqualFold(v, "all")
}
