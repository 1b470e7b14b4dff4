package testutil

import (
	"os"
	"testing"
)

// RequireLiveCapture skips the test if the NDS_CAPTURE_TEST environment
// variable is not set. Opening a packet socket needs CAP_NET_RAW, so
// these tests only run in a privileged environment.
func RequireLiveCapture(t *testing.T) {
	t.Helper()
	if os.Getenv("NDS_CAPTURE_TEST") == "" {
		t.Skip("Skipping test: requires NDS_CAPTURE_TEST environment")
	}
}

// RequireRedis skips the test unless NDS_REDIS_TEST names a reachable
// Redis address (host:port). Returns the address for the client.
func RequireRedis(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("NDS_REDIS_TEST")
	if addr == "" {
		t.Skip("Skipping test: requires NDS_REDIS_TEST environment")
	}
	return addr
}

// RequireGeoIP skips the test unless NDS_GEOIP_TEST names a readable
// GeoLite2 database. Returns the path.
func RequireGeoIP(t *testing.T) string {
	t.Helper()
	path := os.Getenv("NDS_GEOIP_TEST")
	if path == "" {
		t.Skip("Skipping test: requires NDS_GEOIP_TEST environment")
	}
	return path
}
