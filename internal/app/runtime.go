package app

import (
	"os"
	"strings"
	"sync/atomic"
)

// TestModeEnv switches both binaries into a no-op startup.
const TestModeEnv = "ADVISOR_TEST_MODE"

// 0 = not read yet, 1 = off, 2 = on.
var testMode atomic.Int32

// InTestMode reports whether main should return before dialing Postgres,
// Redis or the provisioning service.
func InTestMode() bool {
	switch testMode.Load() {
	case 1:
		return false
	case 2:
		return true
	default:
		return RefreshTestMode()
	}
}

// RefreshTestMode re-reads TestModeEnv and returns the new value.
func RefreshTestMode() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(TestModeEnv))) {
	case "1", "true", "yes":
		testMode.Store(2)
		return true
	default:
		testMode.Store(1)
		return false
	}
}
