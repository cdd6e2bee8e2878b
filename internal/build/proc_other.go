//go:build !unix

package build

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
