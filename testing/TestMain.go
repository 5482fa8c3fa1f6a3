// Package testing switches binaries into test mode when blank-imported from
// a test, so calling main does not dial Postgres, Redis or the provisioning
// service.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/odyssey-erp/access-advisor/internal/app"
)

var once sync.Once

func enableTestMode() {
	once.Do(func() {
		_ = os.Setenv(app.TestModeEnv, "1")
		if os.Getenv("JWT_SECRET") == "" {
			_ = os.Setenv("JWT_SECRET", "test-secret")
		}
		app.RefreshTestMode()
	})
}

func init() {
	enableTestMode()
}

// TestMain lets packages that own no TestMain reuse this one.
func TestMain(m *stdtesting.M) {
	enableTestMode()
	os.Exit(m.Run())
}
