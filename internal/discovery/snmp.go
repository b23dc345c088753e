package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// System group OIDs used for the identity probe.
const (
	oidSysDescr = ".1.3.6.1.2.1.1.1.0"
	oidSysName  = ".1.3.6.1.2.1.1.5.0"
)

// SNMPProber performs a unicast identity query against a candidate address.
// It backs manual adds for devices that answer neither eSCL nor WSD.
type SNMPProber struct {
	logger    *zap.Logger
	community string
	timeout   time.Duration
	now       func() time.Time
}

// NewSNMPProber creates a prober using the given read community ("public"
// when empty).
func NewSNMPProber(community string, timeout time.Duration, logger *zap.Logger) *SNMPProber {
	if community == "" {
		community = "public"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SNMPProber{
		logger:    logger,
		community: community,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Probe queries sysName and sysDescr over SNMP v2c and builds a descriptor
// for the endpoint. Port 0 defaults to 161.
func (p *SNMPProber) Probe(ctx context.Context, address string, port int) (*models.DeviceDescriptor, error) {
	if port <= 0 {
		port = 161
	}

	g := &gosnmp.GoSNMP{
		Target:    address,
		Port:      uint16(port),
		Community: p.community,
		Version:   gosnmp.Version2c,
		Timeout:   p.timeout,
		Retries:   1,
		Context:   ctx,
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s:%d: %w", address, port, err)
	}
	defer g.Conn.Close()

	pkt, err := g.Get([]string{oidSysName, oidSysDescr})
	if err != nil {
		return nil, fmt.Errorf("snmp get %s:%d: %w", address, port, err)
	}

	var sysName, sysDescr string
	for _, v := range pkt.Variables {
		s := pduString(v)
		switch {
		case strings.HasSuffix(v.Name, oidSysName) || v.Name == oidSysName:
			sysName = s
		case strings.HasSuffix(v.Name, oidSysDescr) || v.Name == oidSysDescr:
			sysDescr = s
		}
	}

	name := sysName
	if name == "" {
		name = "SNMP Device (" + address + ")"
	}

	d := &models.DeviceDescriptor{
		DeviceID: models.DeriveDeviceID("snmp", "", address, port),
		Name:     name,
		Model:    firstLine(sysDescr),
		Address:  address,
		Port:     port,
		Protocol: models.ProtocolSNMP,
		LastSeen: p.now(),
		Online:   true,
	}
	return d, nil
}

func pduString(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case []byte:
		return strings.TrimSpace(string(val))
	case string:
		return strings.TrimSpace(val)
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
