// Package nmap is the built-in service scan adapter on top of
// "github.com/Ullaakut/nmap/v3".
package nmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// OutputName is the parser of the adapter output.
const OutputName = "nmap"

// Scanner runs nmap -sV with the ssl-enum-ciphers script against a single
// host. It is stateless, every invocation spawns a new nmap process.
type Scanner struct {
	desc    model.ToolDescriptor
	ports   []string
	options []nmap.Option
}

// New creates the adapter from a tool configuration. Without configured ports
// the 100 most common ports are scanned.
func New(cfg model.Tool) (*Scanner, error) {
	desc, err := adapter.Descriptor(cfg)
	if err != nil {
		return nil, err
	}
	desc.Output = OutputName
	if cfg.Output != nil {
		desc.Output = *cfg.Output
	}
	desc.Binary = "nmap"
	if cfg.Binary != nil {
		desc.Binary = *cfg.Binary
	}
	if path, err := exec.LookPath(desc.Binary); err == nil {
		desc.Binary = path
		desc.Available = true
		desc.Version, err = adapter.Version(context.Background(), path, cfg.VersionArgs...)
		if err != nil {
			slog.Debug("nmap version unknown", "error", err)
		}
	}

	ports := make([]string, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports = append(ports, strconv.Itoa(p))
	}

	return &Scanner{
		desc:  desc,
		ports: ports,
		options: []nmap.Option{
			nmap.WithServiceInfo(),
			nmap.WithScripts("ssl-enum-ciphers"),
		},
	}, nil
}

func (s *Scanner) Descriptor() model.ToolDescriptor {
	return s.desc
}

func (s *Scanner) Invoke(ctx context.Context, target model.Target, _ adapter.Options) ([]byte, error) {
	if !s.desc.Available {
		return nil, adapter.Permanent(fmt.Errorf("binary %s: %w", s.desc.Binary, nmap.ErrNmapNotInstalled))
	}
	host, port := adapter.HostPort(target)
	options := append([]nmap.Option{nmap.WithBinaryPath(s.desc.Binary)}, s.options...)

	switch {
	case port != "":
		options = append(options, nmap.WithPorts(port))
	case len(s.ports) > 0:
		options = append(options, nmap.WithPorts(s.ports...))
	default:
		options = append(options, nmap.WithMostCommonPorts(100))
	}

	options = append(options, nmap.WithTargets(host))
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}

	logCtx := log.ContextAttrs(
		ctx,
		slog.String("scanner", "nmap"),
		slog.String("nmap", s.desc.Binary),
	)
	run, err := scan(logCtx, options)
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Convert(run))
}

func scan(ctx context.Context, options []nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if errors.Is(err, nmap.ErrNmapNotInstalled) {
		return nil, adapter.Permanent(err)
	}
	if err != nil {
		return nil, adapter.Permanent(fmt.Errorf("creating nmap scanner: %w", err))
	}

	now := time.Now()
	slog.DebugContext(ctx, "scan started")
	run, warningsp, err := scanner.Run()
	if warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		return nil, adapter.Transient(fmt.Errorf("nmap scan: %w", err))
	}
	slog.DebugContext(ctx, "scan finished", "elapsed", time.Since(now).String(), "hosts", len(run.Hosts))
	return run, nil
}

// Output is the JSON document the adapter emits.
type Output struct {
	Hosts []Host `json:"hosts"`
}

type Host struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses,omitempty"`
	Hostnames []string `json:"hostnames,omitempty"`
	Status    string   `json:"status"`
	Ports     []Port   `json:"ports"`
}

type Port struct {
	ID       uint16   `json:"id"`
	Protocol string   `json:"protocol"`
	State    string   `json:"state"`
	Service  string   `json:"service,omitempty"`
	Product  string   `json:"product,omitempty"`
	Version  string   `json:"version,omitempty"`
	Scripts  []Script `json:"scripts,omitempty"`
}

type Script struct {
	ID        string     `json:"id"`
	Output    string     `json:"output,omitempty"`
	Protocols []Protocol `json:"protocols,omitempty"`
}

// Protocol is a TLS protocol version reported by ssl-enum-ciphers.
type Protocol struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Ciphers []Cipher `json:"ciphers,omitempty"`
}

type Cipher struct {
	Name     string `json:"name"`
	Strength string `json:"strength,omitempty"`
}

// Convert reduces the nmap run to the adapter output.
func Convert(run *nmap.Run) Output {
	ret := Output{Hosts: []Host{}}
	if run == nil {
		return ret
	}
	for _, h := range run.Hosts {
		host := Host{
			Address: "unknown",
			Status:  h.Status.State,
			Ports:   make([]Port, 0, len(h.Ports)),
		}
		for _, a := range h.Addresses {
			host.Addresses = append(host.Addresses, a.Addr)
		}
		if len(host.Addresses) > 0 {
			host.Address = host.Addresses[0]
		}
		for _, n := range h.Hostnames {
			host.Hostnames = append(host.Hostnames, n.Name)
		}
		for _, p := range h.Ports {
			host.Ports = append(host.Ports, Port{
				ID:       p.ID,
				Protocol: strings.ToLower(p.Protocol),
				State:    strings.ToLower(p.State.State),
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
				Scripts:  scripts(p.Scripts),
			})
		}
		ret.Hosts = append(ret.Hosts, host)
	}
	return ret
}

func scripts(in []nmap.Script) []Script {
	var ret []Script
	for _, s := range in {
		script := Script{ID: s.ID, Output: s.Output}
		if s.ID == "ssl-enum-ciphers" {
			script.Output = ""
			script.Protocols = sslEnumCiphers(s)
		}
		ret = append(ret, script)
	}
	return ret
}

func sslEnumCiphers(s nmap.Script) []Protocol {
	var ret []Protocol
	for _, row := range s.Tables {
		ret = append(ret, Protocol{
			Name:    row.Key,
			Version: ProtoVersion(row.Key),
			Ciphers: ciphers(row.Tables),
		})
	}
	return ret
}

// ProtoVersion maps ssl-enum-ciphers table keys such as TLSv1.2 to
// ssl@3.0 or tls@1.2.
func ProtoVersion(name string) string {
	switch name {
	case "SSLv3", "SSLv3.0":
		return "ssl@3.0"
	case "SSLv2":
		return "ssl@2.0"
	default:
		name = strings.ToLower(name)
		return strings.Replace(name, "v", "@", 1)
	}
}

func ciphers(tables []nmap.Table) []Cipher {
	var ret []Cipher
	for _, row := range tables {
		if row.Key != "ciphers" {
			continue
		}
		for _, cipher := range row.Tables {
			var c Cipher
			for _, element := range cipher.Elements {
				switch element.Key {
				case "name":
					c.Name = element.Value
				case "strength":
					c.Strength = element.Value
				}
			}
			if c.Name != "" {
				ret = append(ret, c)
			}
		}
	}
	return ret
}
