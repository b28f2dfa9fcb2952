//go:build !integration

package uow

import (
	"testing"

	"go.uber.org/goleak"
)

// Integration runs share this binary with testcontainers, whose background
// goroutines outlive the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
