package idp

import (
	"errors"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCacheExpires is the number of cache units used when a record
	// omits cache_expires.
	DefaultCacheExpires = 60
	// CacheUnit is the duration of one cache_expires unit.
	CacheUnit = 24 * time.Hour

	discoveryPath = ".well-known/openid-configuration"
)

var (
	aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	iconPattern  = regexp.MustCompile(`^(?:[a-z0-9_\-. ]+/)*[a-z0-9_\-. ]+\.[a-z_]+$`)
)

// Record is an identity provider entry as written in configuration.
type Record struct {
	Name         string
	Alias        string
	Icon         string
	URI          *URIRecord
	ClientID     string
	ClientSecret string
	// CacheExpires counts CacheUnits; nil selects DefaultCacheExpires.
	CacheExpires *int
}

// URIRecord holds the base URI and optional named API URIs
type URIRecord struct {
	Base string
	API  []APIRecord
}

// APIRecord names one provider API endpoint
type APIRecord struct {
	Name string
	URI  string
}

// Config is a validated identity provider description. The zero value is
// not usable; build one with NewConfig.
type Config struct {
	name         string
	alias        string
	icon         string
	baseURI      url.URL
	clientID     string
	clientSecret string
	apiURIs      map[string]string
	cacheTTL     time.Duration
}

// NewConfig validates rec field by field in a fixed order (name, alias,
// icon, uri, base, api, client_id, cache_expires) and returns the first
// failure as a *ConfigValidationError.
func NewConfig(rec Record) (Config, error) {
	fail := func(field, reason string) (Config, error) {
		return Config{}, &ConfigValidationError{Alias: rec.Alias, Field: field, Reason: reason}
	}

	if strings.TrimSpace(rec.Name) == "" {
		return fail("name", "is required")
	}
	if rec.Alias == "" {
		return fail("alias", "is required")
	}
	if !aliasPattern.MatchString(rec.Alias) {
		return fail("alias", "may only contain letters, digits, '-' and '_'")
	}
	if rec.Icon == "" {
		return fail("icon", "is required")
	}
	if !validIconPath(rec.Icon) {
		return fail("icon", "is not a valid relative path")
	}
	if rec.URI == nil {
		return fail("uri", "is required and must be an object")
	}
	if rec.URI.Base == "" {
		return fail("uri.base", "is required")
	}
	base, err := parseAbsoluteURL(rec.URI.Base)
	if err != nil {
		return fail("uri.base", err.Error())
	}

	apis := make(map[string]string, len(rec.URI.API))
	for i, api := range rec.URI.API {
		if api.Name == "" {
			return fail("uri.api", "entry "+strconv.Itoa(i)+" has no name")
		}
		if _, dup := apis[api.Name]; dup {
			return fail("uri.api", "duplicate name "+api.Name)
		}
		if _, err := parseAbsoluteURL(api.URI); err != nil {
			return fail("uri.api."+api.Name, err.Error())
		}
		apis[api.Name] = api.URI
	}

	if strings.TrimSpace(rec.ClientID) == "" {
		return fail("client_id", "is required")
	}

	units := DefaultCacheExpires
	if rec.CacheExpires != nil {
		units = *rec.CacheExpires
		if units <= 0 {
			return fail("cache_expires", "must be a positive integer")
		}
	}

	return Config{
		name:         rec.Name,
		alias:        rec.Alias,
		icon:         rec.Icon,
		baseURI:      *base,
		clientID:     rec.ClientID,
		clientSecret: rec.ClientSecret,
		apiURIs:      apis,
		cacheTTL:     time.Duration(units) * CacheUnit,
	}, nil
}

func validIconPath(p string) bool {
	if !iconPattern.MatchString(p) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// parseAbsoluteURL accepts absolute http(s) URLs with a host and no
// embedded credentials.
func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("must use the http or https scheme")
	}
	if u.Hostname() == "" {
		return nil, errors.New("must include a host")
	}
	if u.User != nil {
		return nil, errors.New("must not contain credentials")
	}
	return u, nil
}

// Name is the display name
func (c Config) Name() string { return c.name }

// Alias is the unique lookup and cache key
func (c Config) Alias() string { return c.alias }

// IconPath is the configured relative icon path
func (c Config) IconPath() string { return c.icon }

// IconAsset is the icon path in the asset locator scheme
func (c Config) IconAsset() string { return "assets://" + c.icon }

// BaseURI returns the configured base URI
func (c Config) BaseURI() string { return c.baseURI.String() }

// Host is the host every discovered endpoint must share
func (c Config) Host() string { return c.baseURI.Hostname() }

// ClientID is the relying party identifier registered with the provider
func (c Config) ClientID() string { return c.clientID }

// ClientSecret is empty for public clients
func (c Config) ClientSecret() string { return c.clientSecret }

// CacheTTL is how long discovery and key material stay cached
func (c Config) CacheTTL() time.Duration { return c.cacheTTL }

// DiscoveryURL is {baseUri}/.well-known/openid-configuration
func (c Config) DiscoveryURL() string {
	u := c.baseURI
	u.RawQuery, u.Fragment = "", ""
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + discoveryPath
	u.RawPath = ""
	return u.String()
}

// APINames lists the configured API names in sorted order
func (c Config) APINames() []string {
	names := make([]string, 0, len(c.apiURIs))
	for name := range c.apiURIs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) apiURI(name string) (string, bool) {
	u, ok := c.apiURIs[name]
	return u, ok
}
