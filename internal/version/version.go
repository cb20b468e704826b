package version

import "fmt"

// Заполняются через -ldflags при сборке релиза.
var (
	service = "purchase-service"
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Service returns the binary name baked in at build time.
func Service() string { return service }

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func String() string {
	return fmt.Sprintf("service=%s version=%s commit=%s date=%s", service, version, commit, date)
}
