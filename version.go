package nativehook

// Version of the engine.
const Version = "0.3.0"

// GetVersion returns the engine version string.
func GetVersion() string {
	return "nativehook-" + Version
}
