package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// maxCapabilityBody bounds how much of an untrusted capability response is
// read before parsing.
const maxCapabilityBody = 1 << 20

const soapGetMetadataAction = "http://schemas.xmlsoap.org/ws/2004/09/mex/GetMetadata/Request"

// getMetadataEnvelope is the WS-Transfer GetMetadata request body sent to a
// WSD service endpoint.
const getMetadataEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"
               xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
               xmlns:mex="http://schemas.xmlsoap.org/ws/2004/09/mex">
  <soap:Header>
    <wsa:Action>http://schemas.xmlsoap.org/ws/2004/09/mex/GetMetadata/Request</wsa:Action>
    <wsa:To>urn:schemas-xmlsoap-org:ws:2005:04:anonymous</wsa:To>
  </soap:Header>
  <soap:Body>
    <mex:GetMetadata/>
  </soap:Body>
</soap:Envelope>`

// CapabilityHint is the secondary confirmation signal produced by a SOAP
// metadata probe. It never creates a registry entry on its own.
type CapabilityHint struct {
	ServiceURL string `json:"service_url"`
	Dialect    string `json:"dialect"`
}

// CapabilityFetcher performs unicast HTTP probes against candidate scanner
// endpoints and parses the responses into device descriptors or hints.
type CapabilityFetcher struct {
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewCapabilityFetcher creates a fetcher whose probes each carry the given
// timeout, independent of the rediscovery interval.
func NewCapabilityFetcher(timeout time.Duration, logger *zap.Logger) *CapabilityFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CapabilityFetcher{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// ProbeEscl fetches and parses eSCL scanner capabilities from the candidate
// endpoint. A non-success status or unparsable response fails the probe;
// nothing is emitted and the failure is non-fatal to the discovery cycle.
func (f *CapabilityFetcher) ProbeEscl(ctx context.Context, address string, port int) (*models.DeviceDescriptor, error) {
	url := fmt.Sprintf("http://%s:%d/eSCL/ScannerCapabilities", address, port)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build eSCL request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eSCL probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("eSCL probe %s: status %d", url, resp.StatusCode)
	}

	caps, err := parseScannerCapabilities(io.LimitReader(resp.Body, maxCapabilityBody))
	if err != nil {
		return nil, fmt.Errorf("parse eSCL capabilities from %s: %w", url, err)
	}

	manufacturer, model := splitMakeAndModel(caps.makeAndModel)
	name := strings.TrimSpace(manufacturer + " " + model)

	d := &models.DeviceDescriptor{
		DeviceID:        models.DeriveDeviceID("escl", caps.uuid, address, port),
		Name:            name,
		Manufacturer:    manufacturer,
		Model:           model,
		SerialNumber:    caps.serialNumber,
		Address:         address,
		Port:            port,
		Protocol:        models.ProtocolAirScan,
		ServiceURL:      fmt.Sprintf("http://%s:%d/eSCL", address, port),
		Capabilities:    caps.colorModes,
		LastSeen:        f.now(),
		Online:          true,
		UUID:            caps.uuid,
		PresentationURL: caps.adminURI,
		IconURL:         caps.iconURI,
		Version:         caps.version,
	}
	return d, nil
}

// ProbeSoap posts a WS-Transfer GetMetadata request to a WSD service endpoint
// and returns a capability hint when any metadata section's dialect mentions
// scanning. Returns (nil, nil) when the response carries no scan dialect.
func (f *CapabilityFetcher) ProbeSoap(ctx context.Context, serviceURL string) (*CapabilityHint, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL,
		strings.NewReader(getMetadataEnvelope))
	if err != nil {
		return nil, fmt.Errorf("build SOAP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml")
	req.Header.Set("SOAPAction", soapGetMetadataAction)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SOAP probe %s: %w", serviceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("SOAP probe %s: status %d", serviceURL, resp.StatusCode)
	}

	dialects, err := parseMetadataDialects(io.LimitReader(resp.Body, maxCapabilityBody))
	if err != nil {
		return nil, fmt.Errorf("parse metadata from %s: %w", serviceURL, err)
	}

	for _, dialect := range dialects {
		if strings.Contains(strings.ToLower(dialect), "scan") {
			return &CapabilityHint{ServiceURL: serviceURL, Dialect: dialect}, nil
		}
	}
	return nil, nil
}

// scannerCapabilities carries the fields extracted from an eSCL
// ScannerCapabilities document.
type scannerCapabilities struct {
	version      string
	makeAndModel string
	serialNumber string
	uuid         string
	adminURI     string
	iconURI      string
	colorModes   []string
}

// parseScannerCapabilities walks the XML token stream instead of decoding a
// fixed schema: vendors nest ColorMode entries at varying depths and namespace
// prefixes differ, and truncated or malformed documents must not panic.
func parseScannerCapabilities(r io.Reader) (*scannerCapabilities, error) {
	dec := xml.NewDecoder(r)
	caps := &scannerCapabilities{}
	var sawRoot bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate truncation after the fields were seen.
			if sawRoot && caps.makeAndModel != "" {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "ScannerCapabilities":
			sawRoot = true
		case "Version":
			if caps.version == "" {
				caps.version = elementText(dec)
			}
		case "MakeAndModel":
			caps.makeAndModel = elementText(dec)
		case "SerialNumber":
			caps.serialNumber = elementText(dec)
		case "UUID":
			caps.uuid = strings.TrimPrefix(elementText(dec), "urn:uuid:")
		case "AdminURI":
			caps.adminURI = elementText(dec)
		case "IconURI":
			caps.iconURI = elementText(dec)
		case "ColorMode":
			if mode := elementText(dec); mode != "" {
				caps.colorModes = append(caps.colorModes, mode)
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("no ScannerCapabilities element")
	}
	return caps, nil
}

// parseMetadataDialects extracts the Dialect attribute of every
// MetadataSection element in a WS-Transfer Metadata response.
func parseMetadataDialects(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var dialects []string
	var sawMetadata bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if sawMetadata {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Metadata":
			sawMetadata = true
		case "MetadataSection":
			for _, attr := range start.Attr {
				if attr.Name.Local == "Dialect" && attr.Value != "" {
					dialects = append(dialects, attr.Value)
				}
			}
		}
	}

	if !sawMetadata {
		return nil, fmt.Errorf("no Metadata element")
	}
	return dialects, nil
}

// elementText returns the character data of the current element, consuming
// tokens up to its end tag. Returns "" on any decoding trouble.
func elementText(dec *xml.Decoder) string {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 1 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// splitMakeAndModel splits an eSCL MakeAndModel string into manufacturer and
// model on the first whitespace run.
func splitMakeAndModel(s string) (manufacturer, model string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	fields := strings.Fields(s)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
