// Package puppet normalizes Puppet fact exports into asset records.
//
// An export is a JSON array. Each element maps one or more hostnames to an
// object holding that host's "facts". Hosts are emitted in file order.
package puppet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

// SourceName is the integration label for Puppet records.
const SourceName = "puppet"

// Facts is the facts object of one host.
type Facts map[string]any

// Host is one host entry of a fact export.
type Host struct {
	Name  string
	Facts Facts
}

// ReadFacts decodes a fact export. A host without a facts object is a
// MappingError carrying the host's position in the export.
func ReadFacts(r io.Reader) ([]Host, error) {
	const op = "puppet.ReadFacts"

	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '['); err != nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, op, "export must be a JSON array", err)
	}

	var hosts []Host
	for dec.More() {
		var element json.RawMessage
		if err := dec.Decode(&element); err != nil {
			return nil, sdkerrors.E(sdkerrors.KindInvalidInput, op, "decode export", err)
		}

		entries, err := decodeHosts(element)
		if err != nil {
			return nil, sdkerrors.Mapping(SourceName, len(hosts), "", err)
		}

		for _, entry := range entries {
			facts, err := decodeFacts(entry.raw)
			if err != nil {
				return nil, sdkerrors.Mapping(SourceName, len(hosts), "facts", err)
			}
			hosts = append(hosts, Host{Name: entry.name, Facts: facts})
		}
	}

	if err := expectDelim(dec, ']'); err != nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, op, "decode export", err)
	}
	return hosts, nil
}

// FromFacts maps one facts object to an asset record. Missing facts, and a
// missing os or identity block, resolve to nil.
func FromFacts(f Facts) (devicecontext.Record, error) {
	var asset devicecontext.Asset

	mac, err := lookupString(f, "macaddress")
	if err != nil {
		return devicecontext.Record{}, err
	}
	ip, err := lookupString(f, "ipaddress")
	if err != nil {
		return devicecontext.Record{}, err
	}
	if asset.Hostname, err = lookupString(f, "hostname"); err != nil {
		return devicecontext.Record{}, err
	}
	if asset.Manufacturer, err = lookupString(f, "manufacturer"); err != nil {
		return devicecontext.Record{}, err
	}
	if asset.OS, err = lookupNested(f, "os", "name"); err != nil {
		return devicecontext.Record{}, err
	}
	if asset.Username, err = lookupNested(f, "identity", "user"); err != nil {
		return devicecontext.Record{}, err
	}

	return devicecontext.NewAssetRecord(deref(mac), deref(ip), asset), nil
}

// Normalize reads a fact export and maps every host to a record. The first
// malformed host aborts the pass.
func Normalize(r io.Reader) ([]devicecontext.Record, error) {
	hosts, err := ReadFacts(r)
	if err != nil {
		return nil, err
	}

	records := make([]devicecontext.Record, 0, len(hosts))
	for i, h := range hosts {
		rec, err := FromFacts(h.Facts)
		if err != nil {
			if m, ok := sdkerrors.IsMappingError(err); ok {
				m.Index = i
				return nil, m
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// FileSource reads a fact export from disk.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for the export at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Name returns the integration label.
func (s *FileSource) Name() string {
	return SourceName
}

// Records reads and normalizes the export.
func (s *FileSource) Records(ctx context.Context) ([]devicecontext.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, "puppet.Records", "open fact file", err)
	}
	defer f.Close()
	return Normalize(f)
}

type hostEntry struct {
	name string
	raw  json.RawMessage
}

// decodeHosts walks one export element key by key so that hosts keep the
// order they have in the file.
func decodeHosts(element json.RawMessage) ([]hostEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(element))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("export element is not an object: %w", err)
	}

	var entries []hostEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		entries = append(entries, hostEntry{name: name, raw: raw})
	}
	return entries, nil
}

func decodeFacts(raw json.RawMessage) (Facts, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("host entry is not an object")
	}
	factsRaw, ok := wrapper["facts"]
	if !ok || isNull(factsRaw) {
		return nil, fmt.Errorf("missing facts object")
	}

	var facts Facts
	if err := json.Unmarshal(factsRaw, &facts); err != nil {
		return nil, fmt.Errorf("facts is not an object")
	}
	return facts, nil
}

func lookupString(m map[string]any, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, sdkerrors.Mapping(SourceName, 0, key, fmt.Errorf("expected string, got %T", v))
	}
	return &s, nil
}

func lookupNested(m map[string]any, block, key string) (*string, error) {
	v, ok := m[block]
	if !ok || v == nil {
		return nil, nil
	}
	inner, ok := v.(map[string]any)
	if !ok {
		return nil, sdkerrors.Mapping(SourceName, 0, block, fmt.Errorf("expected object, got %T", v))
	}
	s, err := lookupString(inner, key)
	if me, ok := sdkerrors.IsMappingError(err); ok {
		me.Field = block + "." + key
	}
	return s, err
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
