package idp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		Name:     "Corporate AD",
		Alias:    "corp",
		Icon:     "images/idp/corp.png",
		URI:      &URIRecord{Base: "https://login.example.com/tenant/", API: []APIRecord{{Name: "graph", URI: "https://graph.example.com/v1"}}},
		ClientID: "client-123",
	}
}

func intPtr(i int) *int { return &i }

func TestNewConfig_Valid(t *testing.T) {
	cfg, err := NewConfig(validRecord())
	require.NoError(t, err)

	assert.Equal(t, "Corporate AD", cfg.Name())
	assert.Equal(t, "corp", cfg.Alias())
	assert.Equal(t, "images/idp/corp.png", cfg.IconPath())
	assert.Equal(t, "assets://images/idp/corp.png", cfg.IconAsset())
	assert.Equal(t, "login.example.com", cfg.Host())
	assert.Equal(t, "client-123", cfg.ClientID())
	assert.Equal(t, 60*24*time.Hour, cfg.CacheTTL())
	assert.Equal(t, "https://login.example.com/tenant/.well-known/openid-configuration", cfg.DiscoveryURL())
	assert.Equal(t, []string{"graph"}, cfg.APINames())
}

func TestNewConfig_CacheExpires(t *testing.T) {
	rec := validRecord()
	rec.CacheExpires = intPtr(2)
	cfg, err := NewConfig(rec)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.CacheTTL())
}

func TestNewConfig_DiscoveryURLWithoutTrailingSlash(t *testing.T) {
	rec := validRecord()
	rec.URI.Base = "https://login.example.com"
	cfg, err := NewConfig(rec)
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com/.well-known/openid-configuration", cfg.DiscoveryURL())
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		field  string
	}{
		{"missing name", func(r *Record) { r.Name = " " }, "name"},
		{"missing alias", func(r *Record) { r.Alias = "" }, "alias"},
		{"alias with separator", func(r *Record) { r.Alias = "corp:idp" }, "alias"},
		{"missing icon", func(r *Record) { r.Icon = "" }, "icon"},
		{"absolute icon", func(r *Record) { r.Icon = "/etc/passwd.png" }, "icon"},
		{"icon traversal", func(r *Record) { r.Icon = "images/../../secret.png" }, "icon"},
		{"icon without extension", func(r *Record) { r.Icon = "images/corp" }, "icon"},
		{"icon uppercase", func(r *Record) { r.Icon = "images/Corp.PNG" }, "icon"},
		{"missing uri", func(r *Record) { r.URI = nil }, "uri"},
		{"missing base", func(r *Record) { r.URI.Base = "" }, "uri.base"},
		{"relative base", func(r *Record) { r.URI.Base = "/tenant/" }, "uri.base"},
		{"ftp base", func(r *Record) { r.URI.Base = "ftp://login.example.com/" }, "uri.base"},
		{"base with credentials", func(r *Record) { r.URI.Base = "https://u:p@login.example.com/" }, "uri.base"},
		{"api without name", func(r *Record) { r.URI.API = []APIRecord{{URI: "https://x.example.com"}} }, "uri.api"},
		{"api bad uri", func(r *Record) { r.URI.API = []APIRecord{{Name: "graph", URI: "not a url"}} }, "uri.api.graph"},
		{"api duplicate", func(r *Record) {
			r.URI.API = append(r.URI.API, APIRecord{Name: "graph", URI: "https://graph.example.com/v2"})
		}, "uri.api"},
		{"missing client id", func(r *Record) { r.ClientID = "" }, "client_id"},
		{"zero cache expires", func(r *Record) { r.CacheExpires = intPtr(0) }, "cache_expires"},
		{"negative cache expires", func(r *Record) { r.CacheExpires = intPtr(-3) }, "cache_expires"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(&rec)
			_, err := NewConfig(rec)

			var cv *ConfigValidationError
			require.True(t, errors.As(err, &cv), "expected ConfigValidationError, got %v", err)
			assert.Equal(t, tt.field, cv.Field)
		})
	}
}

func TestNewConfig_ReportsFirstInvalidField(t *testing.T) {
	rec := validRecord()
	rec.Icon = "/bad"
	rec.ClientID = ""
	rec.CacheExpires = intPtr(0)

	_, err := NewConfig(rec)
	var cv *ConfigValidationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "icon", cv.Field)
}

func TestNewConfig_APIURIsAreCopied(t *testing.T) {
	rec := validRecord()
	cfg, err := NewConfig(rec)
	require.NoError(t, err)

	rec.URI.API[0].URI = "https://evil.example.com"
	u, ok := cfg.apiURI("graph")
	require.True(t, ok)
	assert.Equal(t, "https://graph.example.com/v1", u)
}
