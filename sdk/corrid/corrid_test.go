package corrid

import (
	"strings"
	"sync"
	"testing"
)

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	g := New()
	const workers, per = 16, 500
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d unique ids, got %d", workers*per, len(seen))
	}
}

func TestSaltSeparatesGenerators(t *testing.T) {
	a, b := New(), New()
	if a.Salt() == b.Salt() {
		t.Fatalf("two generators share salt %q", a.Salt())
	}
	if a.Next() == b.Next() {
		t.Fatalf("first ids of distinct generators collide")
	}
	if id := NewWithSalt("s").Next(); id != "s-1" {
		t.Fatalf("id = %q", id)
	}
	if !strings.HasPrefix(a.Next(), a.Salt()+"-") {
		t.Fatalf("id missing salt prefix")
	}
}
