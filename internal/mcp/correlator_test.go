package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCorrelator_NextIDMonotonic(t *testing.T) {
	c := NewCorrelator(nil)
	prev := c.NextID()
	for i := 0; i < 100; i++ {
		id := c.NextID()
		if id <= prev {
			t.Fatalf("NextID() = %d after %d, want increasing", id, prev)
		}
		prev = id
	}
}

func TestCorrelator_ResolveWakesWaiter(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	p, err := c.Register(id)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go c.Resolve(&Response{ID: id, Result: []byte(`"ok"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(resp.Result) != `"ok"` {
		t.Errorf("Result = %s, want %q", resp.Result, "ok")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after resolve, want 0", c.Len())
	}
}

func TestCorrelator_UnknownAndDuplicateIDsAreNoops(t *testing.T) {
	c := NewCorrelator(nil)

	if c.Resolve(&Response{ID: 99}) {
		t.Error("Resolve(unknown) = true, want false")
	}

	id := c.NextID()
	p, _ := c.Register(id)
	if !c.Resolve(&Response{ID: id, Result: []byte(`1`)}) {
		t.Fatal("first Resolve = false, want true")
	}
	if c.Resolve(&Response{ID: id, Result: []byte(`2`)}) {
		t.Error("second Resolve = true, want false")
	}

	<-p.Done()
	resp, _ := p.Result()
	if string(resp.Result) != "1" {
		t.Errorf("Result = %s, want first response", resp.Result)
	}
}

func TestCorrelator_ForgetThenLateResponse(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	p, _ := c.Register(id)

	if !c.Forget(id) {
		t.Fatal("Forget = false, want true for outstanding request")
	}
	if c.Resolve(&Response{ID: id}) {
		t.Error("Resolve after Forget = true, want false")
	}

	select {
	case <-p.Done():
		t.Error("forgotten request was resolved")
	default:
	}
}

func TestCorrelator_ForgetAfterResolve(t *testing.T) {
	c := NewCorrelator(nil)
	id := c.NextID()
	c.Register(id)
	c.Resolve(&Response{ID: id})

	if c.Forget(id) {
		t.Error("Forget after Resolve = true, want false")
	}
}

func TestCorrelator_AbandonAll(t *testing.T) {
	c := NewCorrelator(nil)
	abandon := &DisconnectedError{}

	var pendings []*Pending
	for i := 0; i < 5; i++ {
		p, err := c.Register(c.NextID())
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		pendings = append(pendings, p)
	}

	c.AbandonAll(abandon)
	// A second call must not re-resolve anything.
	c.AbandonAll(errors.New("second"))

	for _, p := range pendings {
		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatalf("pending %d not resolved after AbandonAll", p.ID)
		}
		if _, err := p.Result(); !errors.Is(err, ErrDisconnected) {
			t.Errorf("pending %d error = %v, want ErrDisconnected", p.ID, err)
		}
	}

	if _, err := c.Register(c.NextID()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Register after AbandonAll = %v, want ErrDisconnected", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCorrelator_ConcurrentRegisterResolve(t *testing.T) {
	c := NewCorrelator(nil)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := c.NextID()
			p, err := c.Register(id)
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			go c.Resolve(&Response{ID: id})
			resp, err := p.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			if resp.ID != id {
				t.Errorf("got response %d for request %d", resp.ID, id)
			}
		}()
	}
	wg.Wait()

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}
