package mage

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/danmuck/crunchmage/internal/fault"
)

var ErrUnsupportedPlatform = errors.New("mage: unsupported platform")

// Platform is the host as seen by the gate.
type Platform struct {
	OS      string
	Machine string
	Arch    string
}

// DetectPlatform reads the running host.
func DetectPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Machine: machine()}
	if arch, ok := GoArch(p.Machine); ok {
		p.Arch = arch
	} else {
		p.Arch = runtime.GOARCH
	}
	return p
}

// GoArch maps a kernel machine name to the suffix used by Go release archives.
func GoArch(machine string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(machine)) {
	case "x86_64", "amd64":
		return "amd64", true
	case "aarch64", "arm64", "armv8l":
		return "arm64", true
	case "armv6l", "armv7l", "arm":
		return "armv6l", true
	case "i386", "i486", "i586", "i686", "386":
		return "386", true
	case "ppc64le":
		return "ppc64le", true
	case "s390x":
		return "s390x", true
	case "riscv64":
		return "riscv64", true
	}
	return "", false
}

// CheckPlatform allows only Linux hosts with a known archive architecture.
func CheckPlatform(p Platform) error {
	var msg string
	switch p.OS {
	case "linux":
		if p.Arch != "" {
			return nil
		}
		msg = fmt.Sprintf("no Go release archive is known for machine %q", p.Machine)
	case "windows":
		msg = "This installer does not support Windows. Run LogCrunch under WSL or on a Linux host."
	case "darwin":
		msg = "This installer does not support macOS. LogCrunch collects Linux logs; run it on a Linux host or VM."
	default:
		msg = fmt.Sprintf("This installer only supports Linux (detected %s).", p.OS)
	}
	return fault.New(fault.KindEnvironment, "platform check", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, msg))
}
