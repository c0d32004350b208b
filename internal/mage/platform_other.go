//go:build !unix

package mage

import "runtime"

func machine() string {
	return runtime.GOARCH
}
