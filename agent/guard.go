package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// failureGuard refuses a capability call once the same name and arguments
// have failed maxFailures times in a row within one run. A success resets
// the count for that call.
type failureGuard struct {
	mu          sync.Mutex
	maxFailures int
	failures    map[string]int
}

func newFailureGuard(maxFailures int) *failureGuard {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &failureGuard{maxFailures: maxFailures, failures: make(map[string]int)}
}

// check returns a refusal message when the call has already failed too often.
func (g *failureGuard) check(name string, args map[string]any) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.failures[callKey(name, args)]
	if n >= g.maxFailures {
		return fmt.Sprintf("refused: %s failed %d times with identical arguments; change the arguments or try a different approach", name, n), false
	}
	return "", true
}

// record notes the outcome of an executed call.
func (g *failureGuard) record(name string, args map[string]any, succeeded bool) {
	key := callKey(name, args)
	g.mu.Lock()
	defer g.mu.Unlock()
	if succeeded {
		delete(g.failures, key)
		return
	}
	g.failures[key]++
}

// callKey is the capability name plus a SHA-256 prefix of the encoded
// arguments. encoding/json sorts map keys, so the key is stable.
func callKey(name string, args map[string]any) string {
	b, _ := json.Marshal(args)
	h := sha256.Sum256(b)
	return fmt.Sprintf("%s:%x", name, h[:8])
}
