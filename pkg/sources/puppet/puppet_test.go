package puppet

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

const minimalFacts = `{"macaddress":"aa:bb","ipaddress":"1.2.3.4","hostname":"h","manufacturer":"m","os":{"name":"linux"},"identity":{"user":"u"}}`

func parseFacts(t *testing.T, raw string) Facts {
	t.Helper()
	var f Facts
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	return f
}

func TestFromFacts_Minimal(t *testing.T) {
	rec, err := FromFacts(parseFacts(t, minimalFacts))
	require.NoError(t, err)

	assert.Equal(t, devicecontext.FlavorAsset, rec.Flavor())
	assert.Equal(t, "aa:bb", rec.MACAddress)
	assert.Equal(t, "1.2.3.4", rec.IP)
	require.NotNil(t, rec.Asset)
	assert.Equal(t, devicecontext.String("h"), rec.Asset.Hostname)
	assert.Equal(t, devicecontext.String("m"), rec.Asset.Manufacturer)
	assert.Equal(t, devicecontext.String("linux"), rec.Asset.OS)
	assert.Equal(t, devicecontext.String("u"), rec.Asset.Username)
}

func TestFromFacts_MissingOptionalBlocks(t *testing.T) {
	rec, err := FromFacts(parseFacts(t, `{"macaddress":"aa:bb","ipaddress":"1.2.3.4","hostname":"h"}`))
	require.NoError(t, err)

	assert.Nil(t, rec.Asset.OS)
	assert.Nil(t, rec.Asset.Username)
	assert.Nil(t, rec.Asset.Manufacturer)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"mac_address": "aa:bb",
		"ip": "1.2.3.4",
		"hostname": "h",
		"manufacturer": null,
		"os": null,
		"username": null,
		"use_asset": true
	}`, string(data))
}

func TestFromFacts_EmptyIdentityBlock(t *testing.T) {
	rec, err := FromFacts(parseFacts(t, `{"macaddress":"aa:bb","os":{},"identity":{}}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Asset.OS)
	assert.Nil(t, rec.Asset.Username)
	assert.Empty(t, rec.IP)
}

func TestFromFacts_MalformedFacts(t *testing.T) {
	tests := []struct {
		name      string
		facts     string
		wantField string
	}{
		{"non-string mac", `{"macaddress": 7}`, "macaddress"},
		{"non-object os", `{"os": "linux"}`, "os"},
		{"non-string os name", `{"os": {"name": ["linux"]}}`, "os.name"},
		{"non-string user", `{"identity": {"user": true}}`, "identity.user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFacts(parseFacts(t, tt.facts))
			require.Error(t, err)

			m, ok := sdkerrors.IsMappingError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantField, m.Field)
			assert.True(t, errors.Is(err, sdkerrors.ErrMapping))
		})
	}
}

func TestNormalize_FileOrder(t *testing.T) {
	export := `[
		{"web-2": {"facts": {"macaddress": "02", "ipaddress": "10.0.0.2"}},
		 "web-1": {"facts": {"macaddress": "01", "ipaddress": "10.0.0.1"}}},
		{"db-1": {"facts": {"macaddress": "03", "ipaddress": "10.0.0.3"}}}
	]`

	records, err := Normalize(strings.NewReader(export))
	require.NoError(t, err)
	require.Len(t, records, 3)

	var macs []string
	for _, r := range records {
		macs = append(macs, r.MACAddress)
	}
	assert.Equal(t, []string{"02", "01", "03"}, macs)
}

func TestReadFacts_HostNames(t *testing.T) {
	hosts, err := ReadFacts(strings.NewReader(`[{"web-1": {"facts": {"hostname": "web-1"}}}]`))
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "web-1", hosts[0].Name)
	assert.Equal(t, "web-1", hosts[0].Facts["hostname"])
}

func TestNormalize_EmptyExport(t *testing.T) {
	records, err := Normalize(strings.NewReader(`[]`))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNormalize_MissingFacts(t *testing.T) {
	export := `[
		{"ok": {"facts": {"macaddress": "01"}}},
		{"broken": {"trusted": {}}}
	]`

	_, err := Normalize(strings.NewReader(export))
	require.Error(t, err)

	m, ok := sdkerrors.IsMappingError(err)
	require.True(t, ok)
	assert.Equal(t, SourceName, m.Source)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, "facts", m.Field)
}

func TestNormalize_MalformedRecordIndex(t *testing.T) {
	export := `[
		{"a": {"facts": {"macaddress": "01"}}},
		{"b": {"facts": {"macaddress": "02"}}},
		{"c": {"facts": {"os": 12}}}
	]`

	_, err := Normalize(strings.NewReader(export))
	m, ok := sdkerrors.IsMappingError(err)
	require.True(t, ok)
	assert.Equal(t, 2, m.Index)
	assert.Equal(t, "os", m.Field)
}

func TestNormalize_NotAnArray(t *testing.T) {
	_, err := Normalize(strings.NewReader(`{"web-1": {"facts": {}}}`))
	require.Error(t, err)
	assert.Equal(t, sdkerrors.KindInvalidInput, sdkerrors.GetKind(err))
}

func TestNormalize_ElementNotObject(t *testing.T) {
	_, err := Normalize(strings.NewReader(`["web-1"]`))
	_, ok := sdkerrors.IsMappingError(err)
	assert.True(t, ok)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"h": {"facts": `+minimalFacts+`}}]`), 0o600))

	src := NewFileSource(path)
	assert.Equal(t, "puppet", src.Name())

	records, err := src.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "aa:bb", records[0].MACAddress)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.json")).Records(context.Background())
	assert.Equal(t, sdkerrors.KindInvalidInput, sdkerrors.GetKind(err))
}
