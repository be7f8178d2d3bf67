package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Warden/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit   int
		timeout time.Duration
	}
	type then struct {
		elapsed time.Duration
		values  []int
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, 0}, then{18 * time.Second, expected}},
		{"limit 10", given{10, 0}, then{10 * time.Second, expected}},
		{"limit 1, cancel 1500ms", given{1, 1500 * time.Millisecond}, then{1500 * time.Millisecond, expected[:1]}},
		{"limit 10, cancel 3s", given{10, 3 * time.Second}, then{3 * time.Second, expected[:2]}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				if tt.given.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, tt.given.timeout)
					defer cancel()
				}
				start := time.Now()
				m := parallel.NewMap(ctx, tt.given.limit, f).Iter(all(input))
				require.ElementsMatch(t, tt.then.values, values(m))
				require.Equal(t, tt.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(_ context.Context, i int) (int, error) {
		if i%2 == 1 {
			return 0, boom
		}
		return i * 10, nil
	}
	seq := func(yield func(int, error) bool) {
		for i := range 4 {
			if !yield(i, nil) {
				return
			}
		}
		yield(0, context.Canceled)
	}

	var got []int
	var errs []error
	for v, err := range parallel.NewMap(t.Context(), 2, f).Iter(seq) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, v)
	}
	require.ElementsMatch(t, []int{0, 20}, got)
	require.Len(t, errs, 3)
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			select {
			case <-time.After(d):
				return d, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		input := []time.Duration{time.Second, time.Hour, time.Hour}
		for d, err := range parallel.NewMap(t.Context(), 3, f).Iter(all(input)) {
			require.NoError(t, err)
			require.Equal(t, time.Second, d)
			break
		}
		// returns without waiting an hour, all workers are gone
		synctest.Wait()
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
