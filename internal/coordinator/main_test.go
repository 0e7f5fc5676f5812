package coordinator

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards the package's goroutine-heavy surface (client read/write
// pumps, grace-window timers) against leaks across the suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
