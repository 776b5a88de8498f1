package security

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/backupbeacon/backupbeacon/agent/internal/config"
)

// ExpiringWithin is the window in which a still-valid certificate is
// reported as expiring.
const ExpiringWithin = 30 * 24 * time.Hour

const dialTimeout = 10 * time.Second

// CertStatus describes the leaf certificate presented by the server.
type CertStatus struct {
	Addr     string
	Status   string // valid | expiring | expired | unreachable
	Issuer   string
	NotAfter time.Time
	DaysLeft int
}

// Check dials the server's TLS endpoint and inspects the leaf certificate.
// It returns nil when the agent is not configured for TLS.
func Check(ctx context.Context, a config.AgentConfig) *CertStatus {
	if !a.TLS {
		return nil
	}
	return checkAt(ctx, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), a.InsecureSkipVerify, time.Now())
}

func checkAt(ctx context.Context, addr string, insecure bool, now time.Time) *CertStatus {
	cs := &CertStatus{Addr: addr}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: insecure, //nolint:gosec
		},
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = "unreachable"
		return cs
	}

	leaf := peerCerts[0]
	left := leaf.NotAfter.Sub(now)

	cs.NotAfter = leaf.NotAfter.UTC()
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))
	cs.Status = classify(left)
	return cs
}

func classify(left time.Duration) string {
	switch {
	case left <= 0:
		return "expired"
	case left <= ExpiringWithin:
		return "expiring"
	default:
		return "valid"
	}
}
