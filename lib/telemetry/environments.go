package telemetry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

var setupTestEnvironments = map[string]bool{}
var setupTestMutex sync.Mutex

// sets up telemetry in a testing environment, ensuring that it isn't
// set up more than once, a missing telemetry.json5 only sets up slog
func SetupForTesting(t testing.TB, serviceName string) func() {
	setupTestMutex.Lock()
	defer setupTestMutex.Unlock()

	if setupTestEnvironments[serviceName] {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	tel, err := SetupFromEnv(context.Background(), serviceName)
	if errors.Is(err, os.ErrNotExist) {
		return func() {}
	}
	if err != nil {
		t.Fatal(err)
	}

	return func() {
		err := tel.Shutdown(context.Background())
		if err != nil {
			t.Fatal(err)
		}
	}
}
