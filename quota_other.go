//go:build !(linux || darwin || freebsd || dragonfly)

package odb

import "errors"

func freeSpace(dir string) (int64, error) {
	return 0, errors.ErrUnsupported
}
