package skinny

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondSignal(t *testing.T) {
	withEachState(t, func(t *testing.T, m *Mutex) {
		c := NewCond(m)
		flag := false
		done := make(chan struct{})

		m.Lock()
		go func() {
			defer close(done)
			time.Sleep(time.Millisecond)
			m.Lock()
			flag = true
			c.Signal()
			if err := m.Unlock(); err != nil {
				t.Error(err)
			}
		}()

		for !flag {
			require.NoError(t, c.Wait())
		}
		require.NoError(t, m.Unlock())
		<-done
		assert.True(t, flag)
	})
}

func TestCondBroadcast(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	const n = 5
	ready := false
	var wg sync.WaitGroup

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			for !ready {
				if err := c.Wait(); err != nil {
					t.Error(err)
					break
				}
			}
			if err := m.Unlock(); err != nil {
				t.Error(err)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond) // let the waiters park
	m.Lock()
	ready = true
	c.Broadcast()
	require.NoError(t, m.Unlock())
	wg.Wait()
	require.NoError(t, m.Destroy())
}

func TestCondTimeout(t *testing.T) {
	withEachState(t, func(t *testing.T, m *Mutex) {
		c := NewCond(m)
		m.Lock()
		err := c.WaitTimeout(time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		// The lock is re-acquired on the way out, so this unlock is
		// ours to do and must succeed.
		require.NoError(t, m.Unlock())
	})
}

func TestCondSignalBeatsTimeout(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	flag := false

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(time.Millisecond)
		m.Lock()
		flag = true
		c.Signal()
		if err := m.Unlock(); err != nil {
			t.Error(err)
		}
	}()

	m.Lock()
	for !flag {
		require.NoError(t, c.WaitTimeout(time.Second))
	}
	require.NoError(t, m.Unlock())
	<-done
}

func TestCondWaitNotOwner(t *testing.T) {
	withEachState(t, func(t *testing.T, m *Mutex) {
		c := NewCond(m)
		assert.ErrorIs(t, c.Wait(), ErrNotOwner)
		assert.ErrorIs(t, c.WaitTimeout(time.Millisecond), ErrNotOwner)
		assert.ErrorIs(t, c.WaitContext(context.Background()), ErrNotOwner)
	})
}

func TestCondCancelReacquires(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	ctx, cancel := context.WithCancel(context.Background())

	waiting := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		m.Lock()
		close(waiting)
		err := c.WaitContext(ctx)
		// Whatever happened, the lock must be held on the way out;
		// unwinding cleanup runs under it.
		if uerr := m.Unlock(); uerr != nil {
			t.Error("unlock after cancelled wait:", uerr)
		}
		result <- err
	}()

	<-waiting
	time.Sleep(2 * time.Millisecond) // let the waiter park
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	// The canceled waiter released the lock on its unwind, so it is
	// acquirable and, once idle, destroyable.
	m.Lock()
	require.NoError(t, m.Unlock())
	require.Eventually(t, func() bool { return m.Destroy() == nil },
		time.Second, time.Millisecond)
}

func TestCondContextDeadline(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	m.Lock()
	assert.ErrorIs(t, c.WaitContext(ctx), context.DeadlineExceeded)
	require.NoError(t, m.Unlock())
	require.NoError(t, m.Destroy())
}

func TestCondSignalWithoutWaiters(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	c.Signal()
	c.Broadcast()
	require.NoError(t, m.Destroy())
}

func TestCondManyWaitersSignalledOneByOne(t *testing.T) {
	var m Mutex
	c := NewCond(&m)
	const n = 4
	woken := 0
	var wg sync.WaitGroup

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			if err := c.Wait(); err != nil {
				t.Error(err)
			}
			woken++
			if err := m.Unlock(); err != nil {
				t.Error(err)
			}
		}()
	}

	// Keep signalling until every waiter has come through; a Signal
	// with nobody parked yet is a no-op, so this also covers waiters
	// that are slow to arrive.
	for i := 1; i <= n; i++ {
		require.Eventually(t, func() bool {
			c.Signal()
			m.Lock()
			got := woken
			if err := m.Unlock(); err != nil {
				t.Error(err)
			}
			return got >= i
		}, time.Second, time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, n, woken)
}
