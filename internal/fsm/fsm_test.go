package fsm

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string
type event string

func table() []Transition[state, event] {
	return []Transition[state, event]{
		{From: "idle", Event: "start", To: "running"},
		{From: "running", Event: "finish", To: "done"},
		{From: "running", Event: "abort", To: "failed"},
	}
}

func TestFireFollowsTable(t *testing.T) {
	m, err := New[state, event]("idle", table(), "done", "failed")
	require.NoError(t, err)

	from, to, err := m.Fire("start")
	require.NoError(t, err)
	assert.Equal(t, state("idle"), from)
	assert.Equal(t, state("running"), to)
	assert.False(t, m.Terminal())

	_, _, err = m.Fire("finish")
	require.NoError(t, err)
	assert.True(t, m.Terminal())
	assert.Equal(t, state("done"), m.State())
}

func TestFireRejectsUnknownEdge(t *testing.T) {
	m := MustNew[state, event]("idle", table(), "done", "failed")

	_, _, err := m.Fire("finish")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, state("idle"), m.State())
	assert.False(t, m.Can("finish"))
	assert.True(t, m.Can("start"))
}

func TestGuardRejection(t *testing.T) {
	blocked := errors.New("blocked")
	m := MustNew[state, event]("idle", []Transition[state, event]{
		{From: "idle", Event: "start", To: "running", Guard: func(state, event) error { return blocked }},
	})
	_, _, err := m.Fire("start")
	require.ErrorIs(t, err, blocked)
	assert.Equal(t, state("idle"), m.State())
}

func TestNewValidatesTable(t *testing.T) {
	_, err := New[state, event]("idle", append(table(), Transition[state, event]{From: "idle", Event: "start", To: "x"}))
	require.Error(t, err)

	_, err = New[state, event]("idle", append(table(), Transition[state, event]{From: "done", Event: "start", To: "x"}), "done")
	require.Error(t, err)
}

func TestConcurrentFireOnlyOneWins(t *testing.T) {
	m := MustNew[state, event]("running", table(), "done", "failed")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, ev := range []event{"finish", "abort", "finish", "abort"} {
		wg.Add(1)
		go func(ev event) {
			defer wg.Done()
			if _, _, err := m.Fire(ev); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(ev)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, m.Terminal())
}
