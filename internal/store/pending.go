package store

import "context"

// result is the settled outcome of one queued write.
type result struct {
	value   any
	applied bool
	err     error
}

// Pending is the future of a queued write. It completes when the batch
// holding the write has committed, or failed.
type Pending struct {
	res  *result
	done <-chan struct{}
	ent  *entry
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// settled returns a Pending that is already complete.
func settled(r result) *Pending {
	return &Pending{res: &r, done: closedChan}
}

func failed(err error) *Pending {
	return settled(result{err: err})
}

// Done is closed once the write has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the write settles. applied is false when a condition
// did not hold; that is not an error.
func (p *Pending) Wait(ctx context.Context) (applied bool, err error) {
	select {
	case <-p.done:
		return p.res.applied, p.res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Value waits and returns what a transaction function returned.
func (p *Pending) Value(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.res.value, p.res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
