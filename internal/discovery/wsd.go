package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

const (
	wsdPort          = 3702
	wsdMulticastIP   = "239.255.255.250"
	wsdReadBufferLen = 8192
)

// probeEnvelope is the WS-Discovery SOAP Probe message. The MessageID slot is
// filled with a fresh urn:uuid per probe.
const probeEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"
               xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
               xmlns:wsd="http://schemas.xmlsoap.org/ws/2005/04/discovery"
               xmlns:scan="http://schemas.microsoft.com/windows/2006/08/wdp/scan">
  <soap:Header>
    <wsa:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</wsa:To>
    <wsa:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</wsa:Action>
    <wsa:MessageID>urn:uuid:%s</wsa:MessageID>
  </soap:Header>
  <soap:Body>
    <wsd:Probe>
      <wsd:Types>scan:ScannerServiceType</wsd:Types>
    </wsd:Probe>
  </soap:Body>
</soap:Envelope>`

// WsDiscoveryProbe owns the shared WS-Discovery multicast socket for a
// session. It broadcasts SOAP Probe messages and parses inbound
// ProbeMatch/Hello datagrams into device descriptors.
type WsDiscoveryProbe struct {
	logger  *zap.Logger
	handler func(models.DeviceDescriptor)
	metrics *Metrics
	now     func() time.Time

	group net.IP

	mu            sync.Mutex
	conn          *net.UDPConn
	pconn         *ipv4.PacketConn
	joined        []*net.Interface
	lastMessageID string

	closeOnce sync.Once
}

// NewWsDiscoveryProbe creates a probe that delivers parsed scanner
// descriptors to handler. metrics may be nil.
func NewWsDiscoveryProbe(handler func(models.DeviceDescriptor), metrics *Metrics, logger *zap.Logger) *WsDiscoveryProbe {
	return &WsDiscoveryProbe{
		logger:  logger,
		handler: handler,
		metrics: metrics,
		now:     time.Now,
		group:   net.ParseIP(wsdMulticastIP),
	}
}

// Open binds the UDP socket on ANY:3702 and joins the discovery multicast
// group on every eligible interface. A bind or join failure disables WSD for
// the session; the caller reports it as a non-fatal error.
func (p *WsDiscoveryProbe) Open() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: wsdPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: p.group}

	ifaces, _ := net.Interfaces()
	var joined []*net.Interface
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(ifi, groupAddr); err != nil {
			p.logger.Debug("multicast join failed",
				zap.String("interface", ifi.Name),
				zap.Error(err),
			)
			continue
		}
		joined = append(joined, ifi)
	}
	if len(joined) == 0 {
		// Last resort: let the stack pick a default interface.
		if err := pconn.JoinGroup(nil, groupAddr); err != nil {
			conn.Close()
			return fmt.Errorf("join multicast group %s: %w", p.group, err)
		}
	}

	p.mu.Lock()
	p.conn = conn
	p.pconn = pconn
	p.joined = joined
	p.mu.Unlock()

	p.logger.Info("WS-Discovery socket ready",
		zap.Int("port", wsdPort),
		zap.Int("interfaces", len(joined)),
	)
	return nil
}

// Run reads inbound datagrams until ctx is cancelled, delivering every parsed
// scanner to the handler. The socket is torn down exactly once on return.
func (p *WsDiscoveryProbe) Run(ctx context.Context) {
	defer p.Close()

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, wsdReadBufferLen)
	for {
		if ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(p.now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("WS-Discovery read failed", zap.Error(err))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if d, ok := p.parseDatagram(payload, src); ok {
			p.handler(*d)
		}
	}
}

// SendProbe multicasts one Probe envelope carrying a freshly generated
// message UUID. Every probe's UUID differs from the previous one.
func (p *WsDiscoveryProbe) SendProbe(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("WS-Discovery socket not open")
	}

	id := p.nextMessageID()
	msg := fmt.Sprintf(probeEnvelope, id)
	dst := &net.UDPAddr{IP: p.group, Port: wsdPort}
	if _, err := conn.WriteToUDP([]byte(msg), dst); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}

	p.logger.Debug("WS-Discovery probe sent", zap.String("message_id", id))
	return nil
}

// nextMessageID generates a fresh probe UUID, guaranteed to differ from the
// previous probe's.
func (p *WsDiscoveryProbe) nextMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	for id == p.lastMessageID {
		id = uuid.NewString()
	}
	p.lastMessageID = id
	return id
}

// LastMessageID returns the UUID used by the most recent probe.
func (p *WsDiscoveryProbe) LastMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMessageID
}

// Close leaves the multicast group and closes the socket. Safe to call more
// than once; only the first call tears down.
func (p *WsDiscoveryProbe) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.pconn != nil {
			groupAddr := &net.UDPAddr{IP: p.group}
			for _, ifi := range p.joined {
				p.pconn.LeaveGroup(ifi, groupAddr)
			}
		}
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
	})
}

// parseDatagram turns one inbound datagram into a device descriptor. The
// payload is pre-filtered for ProbeMatch/Hello markers before XML parsing;
// malformed XML and non-scanner matches are dropped without error.
func (p *WsDiscoveryProbe) parseDatagram(payload []byte, src *net.UDPAddr) (*models.DeviceDescriptor, bool) {
	if !bytes.Contains(payload, []byte("ProbeMatch")) && !bytes.Contains(payload, []byte("Hello")) {
		return nil, false
	}

	match, err := parseProbeMatch(payload)
	if err != nil {
		p.logger.Debug("dropping malformed WS-Discovery datagram",
			zap.String("from", src.String()),
			zap.Error(err),
		)
		if p.metrics != nil {
			p.metrics.MalformedMessages.Inc()
		}
		return nil, false
	}

	if !match.isScanner() {
		return nil, false
	}

	address, port := match.endpoint(src)
	d := &models.DeviceDescriptor{
		DeviceID:     models.DeriveDeviceID("wsd", match.uuid, address, port),
		Name:         wsdDeviceName(match.uuid, address),
		Address:      address,
		Port:         port,
		Protocol:     models.ProtocolWSD,
		ServiceURL:   match.serviceURL,
		Capabilities: match.types,
		LastSeen:     p.now(),
		Online:       true,
		UUID:         match.uuid,
		Version:      match.metadataVersion,
	}
	return d, true
}

func wsdDeviceName(uuid, address string) string {
	if uuid != "" {
		return "WSD Scanner " + shortUUID(uuid)
	}
	return "WSD Scanner (" + address + ")"
}

// shortUUID keeps the leading group of a uuid for display names.
func shortUUID(u string) string {
	if i := strings.IndexByte(u, '-'); i > 0 {
		return u[:i]
	}
	return u
}

// probeMatch holds the fields extracted from a ProbeMatch/Hello message.
type probeMatch struct {
	uuid            string
	types           []string
	serviceURL      string
	metadataVersion string
}

// isScanner reports whether any advertised type token mentions scanning.
// Non-scanner matches (printers, media servers) are silently discarded.
func (m *probeMatch) isScanner() bool {
	for _, t := range m.types {
		if strings.Contains(strings.ToLower(t), "scan") {
			return true
		}
	}
	return false
}

// endpoint derives the device address and port, preferring XAddrs over the
// datagram source.
func (m *probeMatch) endpoint(src *net.UDPAddr) (string, int) {
	if m.serviceURL != "" {
		if u, err := url.Parse(m.serviceURL); err == nil && u.Hostname() != "" {
			port := 80
			if ps := u.Port(); ps != "" {
				if n, err := strconv.Atoi(ps); err == nil {
					port = n
				}
			}
			return u.Hostname(), port
		}
	}
	if src != nil {
		return src.IP.String(), src.Port
	}
	return "", 0
}

// parseProbeMatch walks the SOAP envelope's token stream. Namespace prefixes
// vary between vendors, so elements are matched by local name only.
func parseProbeMatch(payload []byte) (*probeMatch, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	m := &probeMatch{}
	var inEndpointRef bool
	var sawBody bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate a truncated tail once the match body was seen.
			if sawBody && (m.uuid != "" || len(m.types) > 0) {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "ProbeMatch", "Hello":
				sawBody = true
			case "EndpointReference":
				inEndpointRef = true
			case "Address":
				if inEndpointRef {
					addr := elementText(dec)
					addr = strings.TrimPrefix(addr, "urn:uuid:")
					addr = strings.TrimPrefix(addr, "uuid:")
					m.uuid = addr
				}
			case "Types":
				m.types = strings.Fields(elementText(dec))
			case "XAddrs":
				// First whitespace-separated URL wins.
				if xaddrs := strings.Fields(elementText(dec)); len(xaddrs) > 0 {
					m.serviceURL = xaddrs[0]
				}
			case "MetadataVersion":
				m.metadataVersion = elementText(dec)
			}
		case xml.EndElement:
			if t.Name.Local == "EndpointReference" {
				inEndpointRef = false
			}
		}
	}

	if !sawBody {
		return nil, fmt.Errorf("no ProbeMatch or Hello element")
	}
	return m, nil
}
