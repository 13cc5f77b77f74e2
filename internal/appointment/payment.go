package appointment

import (
	"context"
	"sync"
)

// PaymentWaiter waits for the external payment confirmation of an order
// reference. It returns ctx.Err() if nothing arrives before ctx is done.
type PaymentWaiter interface {
	Await(ctx context.Context, ref string) (approved bool, err error)
}

// PaymentSignaler records a payment outcome received from the gateway.
type PaymentSignaler interface {
	Signal(ctx context.Context, ref string, approved bool) error
}

// LocalPayments is an in-process payment signal registry. Outcomes are kept,
// so a signal that arrives before its waiter is not lost.
type LocalPayments struct {
	mu      sync.Mutex
	results map[string]bool
	waiters map[string][]chan bool
}

func NewLocalPayments() *LocalPayments {
	return &LocalPayments{
		results: make(map[string]bool),
		waiters: make(map[string][]chan bool),
	}
}

func (p *LocalPayments) Signal(_ context.Context, ref string, approved bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.results[ref] = approved
	for _, ch := range p.waiters[ref] {
		ch <- approved
	}
	delete(p.waiters, ref)
	return nil
}

func (p *LocalPayments) Await(ctx context.Context, ref string) (bool, error) {
	p.mu.Lock()
	if approved, ok := p.results[ref]; ok {
		p.mu.Unlock()
		return approved, nil
	}
	ch := make(chan bool, 1)
	p.waiters[ref] = append(p.waiters[ref], ch)
	p.mu.Unlock()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		p.drop(ref, ch)
		return false, ctx.Err()
	}
}

func (p *LocalPayments) drop(ref string, ch chan bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiters := p.waiters[ref]
	for i, w := range waiters {
		if w == ch {
			p.waiters[ref] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters[ref]) == 0 {
		delete(p.waiters, ref)
	}
}
