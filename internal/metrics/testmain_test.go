package metrics_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs every test in the metrics_test package and checks for
// goroutine leaks after all tests complete.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
