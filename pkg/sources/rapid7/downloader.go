package rapid7

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/exploopio/devicecontext/pkg/core"
	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

// DefaultPort is the InsightVM console port.
const DefaultPort = 3780

// DownloaderConfig configures report downloads from an InsightVM console.
type DownloaderConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Insecure skips TLS verification for self-signed consoles.
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`

	HTTPClient *http.Client `yaml:"-"`
	Logger     core.Logger  `yaml:"-"`
}

// Downloader fetches report output through the InsightVM v3 API.
type Downloader struct {
	host       string
	port       int
	username   string
	password   string
	httpClient *http.Client
	logger     core.Logger
}

// NewDownloader creates a downloader.
func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.Host == "" {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, "rapid7.NewDownloader", "host is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, "rapid7.NewDownloader", "username and password are required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	hc := cfg.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed consoles
		}
		hc = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = core.GetDefaultLogger()
	}

	return &Downloader{
		host:       cfg.Host,
		port:       cfg.Port,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: hc,
		logger:     logger,
	}, nil
}

// URL returns the download URL for one report instance.
func (d *Downloader) URL(reportID, instance string) string {
	u := url.URL{
		Scheme: "https",
		Host:   d.host + ":" + strconv.Itoa(d.port),
		Path:   fmt.Sprintf("/api/3/reports/%s/history/%s/output", url.PathEscape(reportID), url.PathEscape(instance)),
	}
	return u.String()
}

// Download returns the report body as text. Any non-2xx status is an error.
func (d *Downloader) Download(ctx context.Context, reportID, instance string) (string, error) {
	const op = "rapid7.Download"

	target := d.URL(reportID, instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", sdkerrors.E(sdkerrors.KindInvalidInput, op, "create request", err)
	}
	req.SetBasicAuth(d.username, d.password)

	d.logger.Debug("downloading report %s/%s from %s", reportID, instance, d.host)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", sdkerrors.E(sdkerrors.KindTransport, op, "http request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", sdkerrors.E(sdkerrors.KindTransport, op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", sdkerrors.E(sdkerrors.KindTransport, op, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	d.logger.Debug("downloaded report %s/%s: %d bytes", reportID, instance, len(body))
	return string(body), nil
}

// Source yields records from a local report file or a console download.
type Source struct {
	// File, when set, is read instead of downloading.
	File string

	Downloader *Downloader
	ReportID   string
	Instance   string

	Options Options
}

// Name returns the integration label.
func (s *Source) Name() string {
	return SourceName
}

// Records loads the report and normalizes it.
func (s *Source) Records(ctx context.Context) ([]devicecontext.Record, error) {
	text, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return Normalize(text, s.Options)
}

func (s *Source) load(ctx context.Context) (string, error) {
	if s.File != "" {
		data, err := os.ReadFile(s.File)
		if err != nil {
			return "", sdkerrors.E(sdkerrors.KindInvalidInput, "rapid7.Records", "read report file", err)
		}
		return string(data), nil
	}
	if s.Downloader == nil {
		return "", sdkerrors.E(sdkerrors.KindInvalidInput, "rapid7.Records", "either a report file or a downloader is required")
	}
	return s.Downloader.Download(ctx, s.ReportID, s.Instance)
}
