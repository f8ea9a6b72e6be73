//go:build !unix

package job

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
