//go:build !unix

package target

import "runtime"

func hostMachine() (string, error) {
	return runtime.GOARCH, nil
}
