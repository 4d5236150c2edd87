// Package devicecontext defines the canonical device-context record submitted
// to the ingestion API and its JSON wire encoding.
//
// A Record carries exactly one payload flavor. Asset records describe an
// inventory host (Puppet); scan records carry vulnerability findings
// (Rapid7). The flavor is chosen by the source integration and enforced on
// encode, so a record with no flavor or both never reaches the network.
package devicecontext

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// TransactionID is the opaque token the ingestion API issues on start.
type TransactionID string

// Flavor identifies which payload a Record carries.
type Flavor string

const (
	FlavorAsset Flavor = "asset"
	FlavorScan  Flavor = "scan"
)

var (
	// ErrNoFlavor is returned when a record has neither an asset nor a scan payload.
	ErrNoFlavor = errors.New("devicecontext: record has no asset or scan payload")

	// ErrBothFlavors is returned when a record carries both payloads.
	ErrBothFlavors = errors.New("devicecontext: record has both asset and scan payloads")
)

// Record is one device-context record.
type Record struct {
	// MACAddress is mandatory for the API, but scan-only sources leave it empty.
	MACAddress string
	IP         string

	// Source is the integration label. Scan records carry it on the wire.
	Source string

	Asset *Asset
	Scan  *Scan
}

// Asset holds the identity fields of an inventory host. Nil fields are sent as null.
type Asset struct {
	Hostname     *string
	Manufacturer *string
	OS           *string
	Username     *string
}

// Scan is the vulnerability payload of a scan record.
type Scan struct {
	ReportID        string          `json:"report_id"`
	Timestamp       string          `json:"timestamp"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Vulnerability is one finding inside a Scan.
type Vulnerability struct {
	Port              string  `json:"port"`
	Severity          float64 `json:"severity"`
	CVE               string  `json:"cve"`
	VulnerabilityID   string  `json:"vulnerability_id"`
	VulnerabilityName string  `json:"vulnerability_name"`
}

// NewAssetRecord builds an asset-flavored record.
func NewAssetRecord(mac, ip string, asset Asset) Record {
	return Record{MACAddress: mac, IP: ip, Asset: &asset}
}

// NewScanRecord builds a scan-flavored record.
func NewScanRecord(source, mac, ip string, scan Scan) Record {
	return Record{MACAddress: mac, IP: ip, Source: source, Scan: &scan}
}

// Flavor reports the active payload flavor, or "" if the record is malformed.
func (r Record) Flavor() Flavor {
	switch {
	case r.Asset != nil && r.Scan == nil:
		return FlavorAsset
	case r.Scan != nil && r.Asset == nil:
		return FlavorScan
	default:
		return ""
	}
}

// Validate checks the one-flavor invariant and that every severity is finite.
func (r Record) Validate() error {
	if r.Asset == nil && r.Scan == nil {
		return ErrNoFlavor
	}
	if r.Asset != nil && r.Scan != nil {
		return ErrBothFlavors
	}
	if r.Scan != nil {
		for i, v := range r.Scan.Vulnerabilities {
			if math.IsNaN(v.Severity) || math.IsInf(v.Severity, 0) {
				return fmt.Errorf("devicecontext: vulnerability %d: severity is not finite", i)
			}
		}
	}
	return nil
}

type assetWire struct {
	MACAddress   string  `json:"mac_address"`
	IP           string  `json:"ip"`
	Hostname     *string `json:"hostname"`
	Manufacturer *string `json:"manufacturer"`
	OS           *string `json:"os"`
	Username     *string `json:"username"`
	UseAsset     bool    `json:"use_asset"`
}

type scanWire struct {
	MACAddress string `json:"mac_address"`
	IP         string `json:"ip"`
	Source     string `json:"source"`
	UseScan    bool   `json:"use_scan"`
	Scan       *Scan  `json:"scan"`
}

// MarshalJSON encodes the record in the shape of its flavor.
func (r Record) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Asset != nil {
		return json.Marshal(assetWire{
			MACAddress:   r.MACAddress,
			IP:           r.IP,
			Hostname:     r.Asset.Hostname,
			Manufacturer: r.Asset.Manufacturer,
			OS:           r.Asset.OS,
			Username:     r.Asset.Username,
			UseAsset:     true,
		})
	}
	return json.Marshal(scanWire{
		MACAddress: r.MACAddress,
		IP:         r.IP,
		Source:     r.Source,
		UseScan:    true,
		Scan:       r.Scan,
	})
}

// UnmarshalJSON decodes either wire flavor, selected by use_asset/use_scan.
func (r *Record) UnmarshalJSON(data []byte) error {
	var probe struct {
		UseAsset bool `json:"use_asset"`
		UseScan  bool `json:"use_scan"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch {
	case probe.UseAsset && probe.UseScan:
		return ErrBothFlavors
	case probe.UseAsset:
		var w assetWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		*r = NewAssetRecord(w.MACAddress, w.IP, Asset{
			Hostname:     w.Hostname,
			Manufacturer: w.Manufacturer,
			OS:           w.OS,
			Username:     w.Username,
		})
	case probe.UseScan:
		var w scanWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Scan == nil {
			return fmt.Errorf("devicecontext: scan record without scan object")
		}
		*r = NewScanRecord(w.Source, w.MACAddress, w.IP, *w.Scan)
	default:
		return ErrNoFlavor
	}
	return nil
}

// String returns a pointer to s, for building optional Asset fields.
func String(s string) *string {
	return &s
}
