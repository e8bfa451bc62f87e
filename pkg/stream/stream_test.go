package stream

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, s *Stream[T]) []T {
	t.Helper()
	values, err := s.Collect(context.Background())
	require.NoError(t, err)
	return values
}

func TestOf(t *testing.T) {
	assert.Equal(t, []int{7}, collect(t, Of(7)))
}

func TestEmpty(t *testing.T) {
	assert.Empty(t, collect(t, Empty[int]()))
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	_, err := Fail[int](boom).Collect(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFromSlice(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, collect(t, FromSlice([]int{1, 2, 3})))
}

func TestSingleSubscription(t *testing.T) {
	s := Of(1)
	_, err := s.Subscribe(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	_, err = s.Subscribe(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestLaziness(t *testing.T) {
	ran := false
	s := New(func(ctx context.Context, emit func(int) error) error {
		ran = true
		return emit(1)
	})
	assert.False(t, ran)

	collect(t, s)
	assert.True(t, ran)
}

func TestSubscribeCallbackOrder(t *testing.T) {
	var events []string
	sub, err := FromSlice([]int{1, 2}).Subscribe(context.Background(),
		func(int) { events = append(events, "next") },
		func(error) { events = append(events, "error") },
		func() { events = append(events, "complete") },
	)
	require.NoError(t, err)
	<-sub.Done()
	assert.Equal(t, []string{"next", "next", "complete"}, events)
}

func TestCancelStopsProducer(t *testing.T) {
	blocked := New(func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return ctx.Err()
	})

	sub, err := blocked.Subscribe(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	sub.Cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
}

func TestMap(t *testing.T) {
	doubled := Map(FromSlice([]int{1, 2, 3}), func(v int) (int, error) {
		return v * 2, nil
	})
	assert.Equal(t, []int{2, 4, 6}, collect(t, doubled))
}

func TestMapError(t *testing.T) {
	boom := errors.New("boom")
	mapped := Map(FromSlice([]int{1, 2}), func(v int) (int, error) {
		if v == 2 {
			return 0, boom
		}
		return v, nil
	})
	values, err := mapped.Collect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1}, values)
}

func TestFlatMap(t *testing.T) {
	expanded := FlatMap(FromSlice([]int{1, 2}), func(v int) *Stream[int] {
		return FromSlice([]int{v, v * 10})
	})
	assert.Equal(t, []int{1, 10, 2, 20}, collect(t, expanded))
}

func TestFlatMapNilInner(t *testing.T) {
	expanded := FlatMap(FromSlice([]int{1, 2}), func(v int) *Stream[int] {
		if v == 1 {
			return nil
		}
		return Of(v)
	})
	assert.Equal(t, []int{2}, collect(t, expanded))
}

func TestFilter(t *testing.T) {
	odd := Filter(FromSlice([]int{1, 2, 3, 4}), func(v int) bool { return v%2 == 1 })
	assert.Equal(t, []int{1, 3}, collect(t, odd))
}

func TestMergeAllValues(t *testing.T) {
	merged := Merge(FromSlice([]int{1, 2}), FromSlice([]int{3, 4}))
	values := collect(t, merged)
	sort.Ints(values)
	assert.Equal(t, []int{1, 2, 3, 4}, values)
}

func TestMergeSingleAndNone(t *testing.T) {
	s := Of(5)
	assert.Same(t, s, Merge(s))
	assert.Empty(t, collect(t, Merge[int]()))
}

func TestMergeFirstErrorWins(t *testing.T) {
	boom := errors.New("boom")
	merged := Merge(Fail[int](boom), New(func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err := merged.Collect(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCombineLatest(t *testing.T) {
	pairs := CombineLatest(Of("a"), Of("b"))
	values := collect(t, pairs)
	require.Len(t, values, 1)
	assert.Equal(t, Pair[string, string]{Left: "a", Right: "b"}, values[0])
}

func TestCombineLatestWaitsForBoth(t *testing.T) {
	// Left emits twice before right produces anything; only pairs after
	// both sides have a value appear.
	right := New(func(ctx context.Context, emit func(int) error) error {
		time.Sleep(50 * time.Millisecond)
		return emit(100)
	})
	pairs := CombineLatest(FromSlice([]int{1, 2}), right)
	values := collect(t, pairs)
	require.NotEmpty(t, values)
	assert.Equal(t, 100, values[0].Right)
}

func TestTimeout(t *testing.T) {
	stuck := New(func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := Timeout(stuck, 20*time.Millisecond).Collect(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutFastStreamPasses(t *testing.T) {
	values, err := Timeout(Of(1), time.Second).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, values)
}

func TestFirst(t *testing.T) {
	v, ok, err := FromSlice([]int{9, 8, 7}).First(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestFirstEmpty(t *testing.T) {
	_, ok, err := Empty[int]().First(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFirstError(t *testing.T) {
	boom := errors.New("boom")
	_, ok, err := Fail[int](boom).First(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestCollectContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stuck := New(func(ctx context.Context, emit func(int) error) error {
		if err := emit(1); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	values, err := stuck.Collect(ctx)
	assert.Error(t, err)
	assert.Equal(t, []int{1}, values)
}

func TestTeeDeliversToEveryBranch(t *testing.T) {
	branches := Tee(FromSlice([]int{1, 2, 3}), 3)
	require.Len(t, branches, 3)

	// The buffers absorb the whole source, so the branches can be drained
	// one at a time.
	for _, b := range branches {
		assert.Equal(t, []int{1, 2, 3}, collect(t, b))
	}
}

func TestTeeSingleBranchIsSource(t *testing.T) {
	s := Of(1)
	branches := Tee(s, 1)
	require.Len(t, branches, 1)
	assert.Same(t, s, branches[0])
}

func TestTeePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	branches := Tee(Fail[int](boom), 2)

	for _, b := range branches {
		_, err := b.Collect(context.Background())
		assert.ErrorIs(t, err, boom)
	}
}

func TestTeeCancelledBranchDoesNotStallOthers(t *testing.T) {
	branches := Tee(FromSlice([]int{1, 2, 3}), 2)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := branches[1].Collect(cancelled)
	assert.Error(t, err)

	assert.Equal(t, []int{1, 2, 3}, collect(t, branches[0]))
}
