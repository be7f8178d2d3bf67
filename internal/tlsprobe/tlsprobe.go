// Package tlsprobe is the built-in TLS endpoint adapter. It handshakes with
// every configured port of a target and reports the negotiated parameters,
// the leaf certificate and support of legacy protocol versions.
package tlsprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/parallel"
)

const (
	// OutputName is the parser of the adapter output.
	OutputName = "tls"

	dialTimeout = 5 * time.Second
)

var DefaultPorts = []int{443}

// Endpoint is the result of probing one port.
type Endpoint struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Error      string    `json:"error,omitempty"`
	Version    string    `json:"version,omitempty"`
	Cipher     string    `json:"cipher,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Issuer     string    `json:"issuer,omitempty"`
	NotBefore  time.Time `json:"not_before,omitzero"`
	NotAfter   time.Time `json:"not_after,omitzero"`
	SelfSigned bool      `json:"self_signed,omitempty"`
	Verified   bool      `json:"verified"`
	VerifyErr  string    `json:"verify_error,omitempty"`
	Legacy     []string  `json:"legacy_versions,omitempty"`
}

type Prober struct {
	desc  model.ToolDescriptor
	ports []int
	roots *x509.CertPool
	now   func() time.Time
}

// New creates the adapter. A nil roots pool means the system pool.
func New(cfg model.Tool, roots *x509.CertPool) (*Prober, error) {
	desc, err := adapter.Descriptor(cfg)
	if err != nil {
		return nil, err
	}
	desc.Output = OutputName
	if cfg.Output != nil {
		desc.Output = *cfg.Output
	}
	desc.Available = true
	desc.Version = runtime.Version() // crypto/tls of the toolchain
	ports := slices.Clone(cfg.Ports)
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	return &Prober{desc: desc, ports: ports, roots: roots, now: time.Now}, nil
}

func (p *Prober) Descriptor() model.ToolDescriptor {
	return p.desc
}

func (p *Prober) Invoke(ctx context.Context, target model.Target, _ adapter.Options) ([]byte, error) {
	host, port := adapter.HostPort(target)
	ports := p.ports
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, adapter.Permanent(fmt.Errorf("bad port %q: %w", port, err))
		}
		ports = []int{n}
	}

	probe := func(ctx context.Context, port int) (Endpoint, error) {
		return p.probe(ctx, host, port), nil
	}
	ret := make([]Endpoint, 0, len(ports))
	for ep, err := range parallel.NewMap(ctx, 4, probe).Iter(seq(ports)) {
		if err != nil {
			continue
		}
		ret = append(ret, ep)
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	slices.SortFunc(ret, func(a, b Endpoint) int { return a.Port - b.Port })
	return json.Marshal(ret)
}

func seq(ports []int) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for _, p := range ports {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (p *Prober) probe(ctx context.Context, host string, port int) Endpoint {
	ep := Endpoint{Host: host, Port: port}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	state, err := handshake(ctx, addr, host, 0, 0)
	if err != nil {
		ep.Error = err.Error()
		return ep
	}
	ep.Version = tls.VersionName(state.Version)
	ep.Cipher = tls.CipherSuiteName(state.CipherSuite)

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		ep.Subject = leaf.Subject.String()
		ep.Issuer = leaf.Issuer.String()
		ep.NotBefore = leaf.NotBefore.UTC()
		ep.NotAfter = leaf.NotAfter.UTC()
		ep.SelfSigned = leaf.CheckSignatureFrom(leaf) == nil && leaf.Subject.String() == leaf.Issuer.String()

		if err := p.verify(host, state.PeerCertificates); err != nil {
			ep.VerifyErr = err.Error()
		} else {
			ep.Verified = true
		}
	}

	for _, v := range []uint16{tls.VersionTLS10, tls.VersionTLS11} {
		if _, err := handshake(ctx, addr, host, v, v); err == nil {
			ep.Legacy = append(ep.Legacy, tls.VersionName(v))
		} else {
			slog.DebugContext(ctx, "legacy handshake refused", "addr", addr, "version", tls.VersionName(v), "error", err)
		}
	}
	return ep
}

func (p *Prober) verify(host string, chain []*x509.Certificate) error {
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         p.roots,
		Intermediates: inter,
		CurrentTime:   p.now(),
	})
	return err
}

func handshake(ctx context.Context, addr, host string, minVersion, maxVersion uint16) (tls.ConnectionState, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config: &tls.Config{
			// the certificate is inspected, not trusted
			InsecureSkipVerify: true, //nolint:gosec
			ServerName:         serverName(host),
			MinVersion:         minVersion,
			MaxVersion:         maxVersion,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer func() {
		_ = conn.Close()
	}()
	tconn, ok := conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, errors.New("not a tls connection")
	}
	return tconn.ConnectionState(), nil
}

func serverName(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	return host
}
