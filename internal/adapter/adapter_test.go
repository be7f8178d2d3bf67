package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/adapter/adaptertest"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	var testCases = []struct {
		scenario string
		given    error
		then     model.FailureClass
	}{
		{"nil", nil, model.FailureNone},
		{"unclassified", boom, model.FailureTransient},
		{"transient", adapter.Transient(boom), model.FailureTransient},
		{"permanent", adapter.Permanent(boom), model.FailurePermanent},
		{"wrapped permanent", errors.Join(errors.New("ctx"), adapter.Permanent(boom)), model.FailurePermanent},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, adapter.Classify(tc.given))
		})
	}

	err := adapter.Permanent(boom)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, model.ErrPermanentToolFailure)
	require.NotErrorIs(t, err, model.ErrTransientToolFailure)
	require.ErrorIs(t, adapter.Transient(boom), model.ErrTransientToolFailure)
	require.NoError(t, adapter.Transient(nil))
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	b := adaptertest.New("b", adaptertest.Output("b"))
	a := adaptertest.New("a", adaptertest.Output("a"))

	reg, err := adapter.NewRegistry(b, a)
	require.NoError(t, err)

	got, err := reg.Lookup("a")
	require.NoError(t, err)
	require.Same(t, a, got)

	_, err = reg.Lookup("nope")
	require.ErrorIs(t, err, model.ErrPermanentToolFailure)
	require.ErrorIs(t, err, model.ErrNotFound)

	descs := reg.Descriptors()
	require.Len(t, descs, 2)
	require.Equal(t, "a", descs[0].ID)
	require.Equal(t, "b", descs[1].ID)

	err = reg.Register(adaptertest.New("a", adaptertest.Output("dup")))
	require.ErrorIs(t, err, model.ErrInvalidSpecification)
}

func TestInvoke_UnsupportedTarget(t *testing.T) {
	t.Parallel()
	a := adaptertest.New("web", adaptertest.Output("ok"))
	a.Desc.Targets = []model.TargetKind{model.TargetURL}

	_, err := adapter.Invoke(t.Context(), a, model.Target{Value: "10.0.0.1", Kind: model.TargetIP}, adapter.Options{})
	require.ErrorIs(t, err, model.ErrPermanentToolFailure)
	require.Zero(t, a.Calls())

	out, err := adapter.Invoke(context.Background(), a, model.Target{Value: "https://example.com/", Kind: model.TargetURL}, adapter.Options{})
	require.NoError(t, err)
	require.Equal(t, "ok", string(out))
	require.Equal(t, 1, a.Calls())
}

func TestHostPort(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given      model.Target
		host, port string
	}{
		{model.Target{Value: "10.0.0.1", Kind: model.TargetIP}, "10.0.0.1", ""},
		{model.Target{Value: "example.com", Kind: model.TargetHostname}, "example.com", ""},
		{model.Target{Value: "https://example.com/x", Kind: model.TargetURL}, "example.com", "443"},
		{model.Target{Value: "http://example.com/", Kind: model.TargetURL}, "example.com", "80"},
		{model.Target{Value: "https://[::1]:8443/", Kind: model.TargetURL}, "::1", "8443"},
	}
	for _, tc := range testCases {
		host, port := adapter.HostPort(tc.given)
		require.Equal(t, tc.host, host)
		require.Equal(t, tc.port, port)
	}
}
