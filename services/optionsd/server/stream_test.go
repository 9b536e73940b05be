package server

import (
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhboptions/core/events"
	"nhboptions/services/optionsd/storage"
)

// yieldingAppender hands out sequences and then yields, widening the window
// between sequence assignment and fan-out.
type yieldingAppender struct {
	mu  sync.Mutex
	seq int64
}

func (a *yieldingAppender) Append(evt events.Event) (storage.JournalEntry, error) {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	for i := 0; i < int(seq%4); i++ {
		runtime.Gosched()
	}
	if seq%7 == 0 {
		time.Sleep(time.Millisecond)
	}
	return storage.JournalEntry{Seq: seq, Type: evt.EventType()}, nil
}

func TestStreamConcurrentEmitKeepsSequenceOrder(t *testing.T) {
	const emitters, perEmitter = 8, 6
	stream := NewStream(&yieldingAppender{}, nil)
	sub := stream.subscribe()

	var wg sync.WaitGroup
	for g := 0; g < emitters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perEmitter; i++ {
				stream.Emit(events.Record{Type: "emitter." + strconv.Itoa(g)})
			}
		}(g)
	}
	wg.Wait()

	total := emitters * perEmitter
	require.Less(t, total, subscriberBuffer)
	for want := int64(1); want <= int64(total); want++ {
		select {
		case entry := <-sub.entries:
			require.Equal(t, want, entry.Seq, "entries must arrive gap-free and in sequence order")
		default:
			t.Fatalf("missing entry with seq %d", want)
		}
	}
	require.Equal(t, 1, stream.Subscribers())
}
