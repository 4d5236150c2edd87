// Package rapid7 normalizes Rapid7 InsightVM CSV reports into scan records.
//
// A report has one finding per row. Rows carry no MAC address, so records
// are sent with an empty one: the API expects the caller to resolve it.
package rapid7

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

// SourceName is the integration label for Rapid7 records.
const SourceName = "rapid7"

// Report columns consumed by FromRow.
const (
	ColumnIP       = "Asset IP Address"
	ColumnPort     = "Service Port"
	ColumnSeverity = "Vulnerability Severity Level"
	ColumnCVE      = "Vulnerability CVE IDs"
	ColumnVulnID   = "Vulnerability ID"
	ColumnTitle    = "Vulnerability Title"
)

var requiredColumns = []string{ColumnIP, ColumnPort, ColumnSeverity, ColumnCVE, ColumnVulnID, ColumnTitle}

const (
	DefaultReportID  = "Scan report"
	DefaultTimestamp = "2021-08-26T00:58:58Z"
)

// Row is one report row keyed by header column.
type Row map[string]string

// Options labels the scan payload of every record built from a report.
type Options struct {
	ReportID  string `yaml:"report_id"`
	Timestamp string `yaml:"timestamp"`
}

// DefaultOptions returns the default report labels.
func DefaultOptions() Options {
	return Options{ReportID: DefaultReportID, Timestamp: DefaultTimestamp}
}

func (o Options) withDefaults() Options {
	if o.ReportID == "" {
		o.ReportID = DefaultReportID
	}
	if o.Timestamp == "" {
		o.Timestamp = DefaultTimestamp
	}
	return o
}

// ParseReport splits raw report text into rows. The first line is the
// header; blank lines are skipped.
func ParseReport(text string) ([]Row, error) {
	const op = "rapid7.ParseReport"

	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(text, "\ufeff")))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, op, "read header", err)
	}

	var rows []Row
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, sdkerrors.E(sdkerrors.KindInvalidInput, op, fmt.Sprintf("read row %d", len(rows)), err)
		}

		row := make(Row, len(header))
		for i, name := range header {
			if i < len(fields) {
				row[name] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FromRow maps one report row to a scan record. Port, CVE, id and title are
// copied verbatim; severity must be a finite decimal number.
func FromRow(row Row, opts Options) (devicecontext.Record, error) {
	opts = opts.withDefaults()

	for _, col := range requiredColumns {
		if _, ok := row[col]; !ok {
			return devicecontext.Record{}, sdkerrors.Mapping(SourceName, 0, col, fmt.Errorf("missing column"))
		}
	}

	severity, err := parseSeverity(row[ColumnSeverity])
	if err != nil {
		return devicecontext.Record{}, sdkerrors.Mapping(SourceName, 0, ColumnSeverity, err)
	}

	return devicecontext.NewScanRecord(SourceName, "", row[ColumnIP], devicecontext.Scan{
		ReportID:  opts.ReportID,
		Timestamp: opts.Timestamp,
		Vulnerabilities: []devicecontext.Vulnerability{{
			Port:              row[ColumnPort],
			Severity:          severity,
			CVE:               row[ColumnCVE],
			VulnerabilityID:   row[ColumnVulnID],
			VulnerabilityName: row[ColumnTitle],
		}},
	}), nil
}

// Normalize parses a report and maps every row. The first bad row aborts
// the pass.
func Normalize(text string, opts Options) ([]devicecontext.Record, error) {
	rows, err := ParseReport(text)
	if err != nil {
		return nil, err
	}

	records := make([]devicecontext.Record, 0, len(rows))
	for i, row := range rows {
		rec, err := FromRow(row, opts)
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

// parseSeverity accepts decimal notation only. ParseFloat alone would also
// take hex floats such as "0x1p3".
func parseSeverity(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "xX_") {
		return 0, fmt.Errorf("severity %q is not a decimal number", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("severity %q is not finite", s)
	}
	return v, nil
}
