package result

// All resolves once every input Future succeeds, carrying the ordered
// slice of values, or fails as soon as any input fails.
func All[T any](futures ...*Future[T]) *Future[[]T] {
	out := NewFuture[[]T]()
	if len(futures) == 0 {
		out.Complete(nil)
		return out
	}

	values := make([]T, len(futures))
	remaining := len(futures)
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	for i, f := range futures {
		i, f := i, f
		f.OnResolve(func(r Result[T]) {
			<-mu
			defer func() { mu <- struct{}{} }()

			if out.resolved() {
				return
			}
			if !r.Ok {
				out.Fail(r.Err)
				return
			}
			values[i] = r.Value
			remaining--
			if remaining == 0 {
				out.Complete(append([]T(nil), values...))
			}
		})
	}
	return out
}

// Any resolves with whichever input Future resolves first, success or
// failure.
func Any[T any](futures ...*Future[T]) *Future[T] {
	out := NewFuture[T]()
	for _, f := range futures {
		f.OnResolve(func(r Result[T]) {
			if r.Ok {
				out.Complete(r.Value)
			} else {
				out.Fail(r.Err)
			}
		})
	}
	return out
}

// AnySuccess resolves with the first input Future to succeed; if every
// input fails, it resolves successfully with def instead of failing.
func AnySuccess[T any](def T, futures ...*Future[T]) *Future[T] {
	out := NewFuture[T]()
	remaining := int32(len(futures))
	if remaining == 0 {
		out.Complete(def)
		return out
	}

	mu := make(chan struct{}, 1)
	mu <- struct{}{}

	for _, f := range futures {
		f.OnResolve(func(r Result[T]) {
			<-mu
			defer func() { mu <- struct{}{} }()

			if out.resolved() {
				return
			}
			if r.Ok {
				out.Complete(r.Value)
				return
			}
			remaining--
			if remaining == 0 {
				out.Complete(def)
			}
		})
	}
	return out
}

// MapFuture transforms a Future's eventual value through fn, preserving
// failure.
func MapFuture[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	out := NewFuture[U]()
	f.OnResolve(func(r Result[T]) {
		if !r.Ok {
			out.Fail(r.Err)
			return
		}
		out.Complete(fn(r.Value))
	})
	return out
}

// FlatMapFuture chains a Future into another Future-returning function,
// preserving failure from either stage.
func FlatMapFuture[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := NewFuture[U]()
	f.OnResolve(func(r Result[T]) {
		if !r.Ok {
			out.Fail(r.Err)
			return
		}
		next := fn(r.Value)
		next.OnResolve(func(r2 Result[U]) {
			if !r2.Ok {
				out.Fail(r2.Err)
				return
			}
			out.Complete(r2.Value)
		})
	})
	return out
}

func (f *Future[T]) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
