package result

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFuture_CompleteIsIdempotent(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(1)
	f.Complete(2)

	r := f.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, 1, r.Value)
}

func TestFuture_FailIsIdempotent(t *testing.T) {
	f := NewFuture[int]()
	f.Fail(NewCause(KindConsensus, "boom"))
	f.Complete(9)

	r := f.Await(time.Second)
	require.False(t, r.Ok)
	require.Equal(t, KindConsensus, r.Err.Kind)
}

func TestFuture_AwaitTimesOut(t *testing.T) {
	f := NewFuture[int]()
	r := f.Await(10 * time.Millisecond)
	require.False(t, r.Ok)
	require.Equal(t, "timeout", r.Err.Kind)
}

func TestFuture_OnResolveAfterResolutionRunsImmediately(t *testing.T) {
	f := Completed(42)
	done := make(chan int, 1)
	f.OnResolve(func(r Result[int]) {
		done <- r.Value
	})
	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestAll_SucceedsWhenEveryInputSucceeds(t *testing.T) {
	a, b, c := NewFuture[int](), NewFuture[int](), NewFuture[int]()
	out := All(a, b, c)

	a.Complete(1)
	b.Complete(2)
	c.Complete(3)

	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, []int{1, 2, 3}, r.Value)
}

func TestAll_FailsOnFirstFailure(t *testing.T) {
	a, b := NewFuture[int](), NewFuture[int]()
	out := All(a, b)

	a.Fail(NewCause(KindConsensus, "nope"))
	b.Complete(2)

	r := out.Await(time.Second)
	require.False(t, r.Ok)
}

func TestAny_ResolvesWithFirstToSettle(t *testing.T) {
	a, b := NewFuture[int](), NewFuture[int]()
	out := Any(a, b)

	b.Complete(7)

	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, 7, r.Value)
}

func TestAnySuccess_FallsBackToDefaultWhenAllFail(t *testing.T) {
	a, b := NewFuture[int](), NewFuture[int]()
	out := AnySuccess(-1, a, b)

	a.Fail(NewCause(KindDNS, "a"))
	b.Fail(NewCause(KindDNS, "b"))

	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, -1, r.Value)
}

func TestAnySuccess_PrefersFirstSuccess(t *testing.T) {
	a, b := NewFuture[int](), NewFuture[int]()
	out := AnySuccess(-1, a, b)

	a.Fail(NewCause(KindDNS, "a"))
	b.Complete(5)

	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, 5, r.Value)
}

func TestMapFuture(t *testing.T) {
	f := Completed(3)
	out := MapFuture(f, func(v int) string { return "x" })
	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, "x", r.Value)
}

func TestFlatMapFuture(t *testing.T) {
	f := Completed(3)
	out := FlatMapFuture(f, func(v int) *Future[int] { return Completed(v * 2) })
	r := out.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, 6, r.Value)
}

func TestAsync_RunsAfterDelay(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	f := Async(s, 10*time.Millisecond, func() int { return 99 })
	r := f.Await(time.Second)
	require.True(t, r.Ok)
	require.Equal(t, 99, r.Value)
}
