package tlsprobe_test

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/tlsprobe"
	"github.com/stretchr/testify/require"
)

func TestProber(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	addr := netip.MustParseAddrPort(srv.Listener.Addr().String())

	// a closed port next to the open one
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	p, err := tlsprobe.New(model.Tool{
		ID:    "tls",
		Kind:  model.ToolKindTLS,
		Ports: []int{int(closed.Port()), int(addr.Port())},
	}, roots)
	require.NoError(t, err)
	require.Equal(t, tlsprobe.OutputName, p.Descriptor().Output)

	raw, err := p.Invoke(t.Context(), model.Target{Value: "127.0.0.1", Kind: model.TargetIP}, adapter.Options{})
	require.NoError(t, err)

	var eps []tlsprobe.Endpoint
	require.NoError(t, json.Unmarshal(raw, &eps))
	require.Len(t, eps, 2)

	var open, shut tlsprobe.Endpoint
	for _, ep := range eps {
		if ep.Port == int(addr.Port()) {
			open = ep
		} else {
			shut = ep
		}
	}
	require.NotEmpty(t, shut.Error)

	require.Empty(t, open.Error)
	require.Equal(t, tls.VersionName(tls.VersionTLS13), open.Version)
	require.NotEmpty(t, open.Cipher)
	require.NotZero(t, open.NotAfter)
	require.True(t, open.Verified, open.VerifyErr)
	require.Empty(t, open.Legacy)
}

func TestProber_URL(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	t.Cleanup(srv.Close)

	p, err := tlsprobe.New(model.Tool{ID: "tls", Kind: model.ToolKindTLS}, x509.NewCertPool())
	require.NoError(t, err)

	raw, err := p.Invoke(t.Context(), model.Target{Value: srv.URL + "/", Kind: model.TargetURL}, adapter.Options{})
	require.NoError(t, err)
	var eps []tlsprobe.Endpoint
	require.NoError(t, json.Unmarshal(raw, &eps))
	require.Len(t, eps, 1)
	require.False(t, eps[0].Verified)
	require.NotEmpty(t, eps[0].VerifyErr)
}
