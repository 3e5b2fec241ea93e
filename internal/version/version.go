package version

// App is the binary name reported alongside build information.
const App = "postgres-pitr-operator"

var (
	// Version is the semantic version (injected at build time).
	Version = "dev"
	// Commit is the git commit SHA (injected at build time).
	Commit = "unknown"
	// BuildDate is the build timestamp (injected at build time).
	BuildDate = "unknown"
)

// Info returns the app name with formatted version information.
func Info() string {
	return App + " " + Version + " (" + Commit + ", built " + BuildDate + ")"
}
