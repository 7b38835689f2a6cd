package pool

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(id, recipient string, createdAt time.Time, ttl time.Duration) *Envelope {
	return &Envelope{
		ID:          id,
		Recipient:   recipient,
		Payload:     json.RawMessage(`"` + id + `-payload"`),
		CreatedAt:   createdAt,
		TTL:         ttl,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func TestInsertAndSize(t *testing.T) {
	p := New()
	now := time.Now()

	require.NoError(t, p.Insert(testEnvelope("m1", "R", now, time.Hour)))
	require.NoError(t, p.Insert(testEnvelope("m2", "R", now, time.Hour)))
	assert.Equal(t, 2, p.Size())
}

func TestInsertDuplicateRetainsExisting(t *testing.T) {
	p := New()
	now := time.Now()

	original := testEnvelope("m1", "R", now, time.Hour)
	require.NoError(t, p.Insert(original))

	dup := testEnvelope("m1", "other", now, time.Minute)
	err := p.Insert(dup)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, p.Size())

	taken := p.TakeFor("R")
	require.Len(t, taken, 1)
	assert.Equal(t, original.Payload, taken[0].Payload)
	assert.Empty(t, p.TakeFor("other"))
}

func TestTakeForInsertionOrder(t *testing.T) {
	p := New()
	now := time.Now()

	require.NoError(t, p.Insert(testEnvelope("m1", "R", now, time.Hour)))
	require.NoError(t, p.Insert(testEnvelope("m2", "R", now, time.Hour)))
	require.NoError(t, p.Insert(testEnvelope("m3", "R", now, time.Hour)))
	require.NoError(t, p.Insert(testEnvelope("x1", "other", now, time.Hour)))

	taken := p.TakeFor("R")
	require.Len(t, taken, 3)
	assert.Equal(t, "m1", taken[0].ID)
	assert.Equal(t, "m2", taken[1].ID)
	assert.Equal(t, "m3", taken[2].ID)

	// Other mailboxes stay untouched, and a second take is empty.
	assert.Equal(t, 1, p.Size())
	assert.Empty(t, p.TakeFor("R"))
}

func TestRemove(t *testing.T) {
	p := New()
	now := time.Now()

	require.NoError(t, p.Insert(testEnvelope("m1", "R", now, time.Hour)))
	assert.True(t, p.Remove("m1"))
	assert.False(t, p.Remove("m1"))
	assert.Equal(t, 0, p.Size())
	assert.Empty(t, p.TakeFor("R"))
}

func TestExpireBefore(t *testing.T) {
	p := New()
	now := time.Now()

	require.NoError(t, p.Insert(testEnvelope("short", "R", now, time.Second)))
	require.NoError(t, p.Insert(testEnvelope("long", "R", now, time.Hour)))

	assert.Equal(t, 0, p.ExpireBefore(now.Add(500*time.Millisecond)))
	assert.Equal(t, 1, p.ExpireBefore(now.Add(1500*time.Millisecond)))
	assert.Equal(t, 1, p.Size())

	taken := p.TakeFor("R")
	require.Len(t, taken, 1)
	assert.Equal(t, "long", taken[0].ID)
}

func TestExpireAtExactInstant(t *testing.T) {
	p := New()
	now := time.Now()

	require.NoError(t, p.Insert(testEnvelope("m1", "R", now, time.Second)))
	assert.Equal(t, 1, p.ExpireBefore(now.Add(time.Second)))
}

func TestSizeAccounting(t *testing.T) {
	p := New()
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Insert(testEnvelope(fmt.Sprintf("m%d", i), "R", now, time.Hour)))
	}
	require.NoError(t, p.Insert(testEnvelope("e1", "R", now, time.Second)))

	p.Remove("m0")
	taken := p.TakeFor("R") // drains the remaining 9 plus e1
	expired := p.ExpireBefore(now.Add(time.Minute))

	assert.Len(t, taken, 10)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, p.Size())
}

// Concurrent inserts and takes must neither lose nor duplicate an
// envelope: everything inserted is observed exactly once, either by a
// winning take or in the final pool.
func TestConcurrentInsertTake(t *testing.T) {
	p := New()
	now := time.Now()

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	taken := make(chan string, writers*perWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-m%d", w, i)
				if err := p.Insert(testEnvelope(id, "R", now, time.Hour)); err != nil {
					t.Errorf("insert %s: %v", id, err)
				}
			}
		}(w)
	}

	wg.Add(2)
	for g := 0; g < 2; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 400; i++ {
				for _, e := range p.TakeFor("R") {
					taken <- e.ID
				}
			}
		}()
	}

	wg.Wait()
	close(taken)

	seen := make(map[string]bool)
	for id := range taken {
		require.False(t, seen[id], "envelope %s taken twice", id)
		seen[id] = true
	}
	for _, e := range p.TakeFor("R") {
		require.False(t, seen[e.ID], "envelope %s both taken and pooled", e.ID)
		seen[e.ID] = true
	}
	assert.Len(t, seen, writers*perWriter)
	assert.Equal(t, 0, p.Size())
}

func TestAttemptCounters(t *testing.T) {
	e := testEnvelope("m1", "R", time.Now(), time.Hour)

	assert.False(t, e.AttemptsExhausted())
	e.NoteAttempt()
	e.NoteAttempt()
	assert.False(t, e.AttemptsExhausted())
	e.NoteAttempt()
	assert.True(t, e.AttemptsExhausted())
	assert.EqualValues(t, 3, e.Attempts())
}
