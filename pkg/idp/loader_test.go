package idp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
identity_providers:
  - name: Corporate AD
    alias: corp
    icon: images/corp.png
    uri:
      base: https://login.example.com/
      api:
        - name: graph
          uri: https://graph.example.com/v1
    client_id: client-123
    client_secret: ${IDP_TEST_SECRET}
    cache_expires: 7
  - name: Partners
    alias: partners
    icon: images/partners.svg
    uri:
      base: https://partners.example.org
    client_id: partner-client
`

func TestParseConfigs(t *testing.T) {
	t.Setenv("IDP_TEST_SECRET", "s3cret")

	configs, err := ParseConfigs([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "corp", configs[0].Alias())
	assert.Equal(t, "s3cret", configs[0].ClientSecret())
	assert.Equal(t, 7*24*time.Hour, configs[0].CacheTTL())
	assert.Equal(t, []string{"graph"}, configs[0].APINames())

	assert.Equal(t, "partners", configs[1].Alias())
	assert.Equal(t, DefaultCacheExpires*CacheUnit, configs[1].CacheTTL())
}

func TestParseConfigs_JSON(t *testing.T) {
	data := `{"identity_providers": [{"name": "Corp", "alias": "corp", "icon": "corp.png", "uri": {"base": "https://login.example.com/"}, "client_id": "abc", "cache_expires": 1}]}`
	configs, err := ParseConfigs([]byte(data))
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 24*time.Hour, configs[0].CacheTTL())
}

func TestParseConfigs_TypeErrors(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		field string
	}{
		{"numeric name", `{name: 12, alias: corp}`, "name"},
		{"uri is a string", `{name: Corp, alias: corp, icon: corp.png, uri: "https://login.example.com"}`, "uri"},
		{"api is a map", `{name: Corp, alias: corp, icon: corp.png, uri: {base: "https://a.example.com", api: {x: y}}, client_id: c}`, "uri.api"},
		{"cache_expires string", `{name: Corp, alias: corp, icon: corp.png, uri: {base: "https://a.example.com"}, client_id: c, cache_expires: "soon"}`, "cache_expires"},
		{"cache_expires float", `{name: Corp, alias: corp, icon: corp.png, uri: {base: "https://a.example.com"}, client_id: c, cache_expires: 1.5}`, "cache_expires"},
		{"record is a string", `"corp"`, "record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigs([]byte("identity_providers:\n  - " + tt.entry + "\n"))
			var cv *ConfigValidationError
			require.ErrorAs(t, err, &cv)
			assert.Equal(t, tt.field, cv.Field)
		})
	}
}

func TestParseConfigs_InvalidRecordAbortsLoad(t *testing.T) {
	data := `
identity_providers:
  - {name: Good, alias: good, icon: good.png, uri: {base: "https://a.example.com"}, client_id: c}
  - {name: Bad, alias: bad, icon: bad.png, uri: {base: "https://a.example.com"}}
`
	configs, err := ParseConfigs([]byte(data))
	assert.Nil(t, configs)
	var cv *ConfigValidationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "bad", cv.Alias)
	assert.Equal(t, "client_id", cv.Field)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	configs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, configs, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read identity provider config")
}
