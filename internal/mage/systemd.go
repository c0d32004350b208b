package mage

import "os"

// SystemdDirs are the unit directories whose presence marks a systemd host.
var SystemdDirs = []string{
	"/usr/lib/systemd/system",
	"/run/systemd/system",
	"/etc/systemd/system",
}

// DetectSystemd reports whether any of dirs exists as a directory.
func DetectSystemd(dirs []string) bool {
	for _, dir := range dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}
