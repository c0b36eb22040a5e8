package ids

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestCreateULIDIsSortableAndUnique(t *testing.T) {
	const workers, each = 8, 50

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, each)
			for range each {
				local = append(local, CreateULID())
			}
			if !sort.StringsAreSorted(local) {
				t.Errorf("ids from one goroutine are not increasing: %v", local)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, len(all))
	for _, id := range all {
		if len(id) != 26 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		if _, ok := Timestamp(id); !ok {
			t.Fatalf("id %q does not parse", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestTimestampRecoversPublishTime(t *testing.T) {
	at := time.Date(2025, 3, 9, 8, 15, 0, 0, time.UTC)
	got, ok := Timestamp(newULID(at).String())
	if !ok || !got.Equal(at) {
		t.Fatalf("Timestamp = %v, %v; want %v", got, ok, at)
	}

	for _, bad := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if _, ok := Timestamp(bad); ok {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}
