// Package verify implements fail-fast invariant checks. A failed check runs
// every registered diagnostic dump hook, logs at fatal level and terminates
// the process.
package verify

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DumpHook writes diagnostic state before the process exits.
type DumpHook func(reason string)

var (
	mu    sync.Mutex
	hooks = map[string]DumpHook{}

	// exit is replaced in tests.
	exit = os.Exit
)

// RegisterDump installs a named dump hook. Registering the same name again
// replaces the previous hook.
func RegisterDump(name string, hook DumpHook) {
	mu.Lock()
	defer mu.Unlock()
	hooks[name] = hook
}

// UnregisterDump removes a named dump hook.
func UnregisterDump(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(hooks, name)
}

// That terminates the process when cond is false.
func That(cond bool, format string, args ...any) {
	if cond {
		return
	}
	Fail(format, args...)
}

// Fail dumps diagnostic state and terminates the process.
func Fail(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)

	mu.Lock()
	pending := make([]DumpHook, 0, len(hooks))
	for _, h := range hooks {
		pending = append(pending, h)
	}
	mu.Unlock()

	for _, h := range pending {
		h(reason)
	}

	log.WithLevel(zerolog.FatalLevel).Str("reason", reason).Msg("Invariant violated, aborting")
	exit(1)
}
