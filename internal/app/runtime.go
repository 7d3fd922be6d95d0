package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "SITEKEEPER_TEST_MODE"

// InTestMode reports whether SITEKEEPER_TEST_MODE is set to a true value.
// Test mode skips process startup in main and disables the IP rate limiters.
// The flag is read once per process.
var InTestMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
})
