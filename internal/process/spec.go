package process

import (
	"os/exec"
	"runtime"
)

// Spec describes how to launch cloudflared for a quick tunnel.
type Spec struct {
	Path      string   `json:"path"`          // cloudflared executable
	TargetURL string   `json:"target_url"`    // local service exposed by the tunnel
	ExtraArgs []string `json:"extra_args"`    // appended after --url <target>
	Env       []string `json:"env,omitempty"` // optional extra env
	PIDFile   string   `json:"pid_file"`      // optional pidfile path
	WorkDir   string   `json:"work_dir"`      // optional working dir
}

// DefaultBinary is the executable name looked up on PATH when no path is configured.
func DefaultBinary() string {
	if runtime.GOOS == "windows" {
		return "cloudflared.exe"
	}
	return "cloudflared"
}

// Args returns the argument list passed to cloudflared.
func (s Spec) Args() []string {
	args := []string{"tunnel", "--url", s.TargetURL}
	return append(args, s.ExtraArgs...)
}

// BuildCommand constructs the cloudflared command without a shell.
func (s Spec) BuildCommand() *exec.Cmd {
	path := s.Path
	if path == "" {
		path = DefaultBinary()
	}
	// #nosec G204 -- path and target come from operator configuration
	cmd := exec.Command(path, s.Args()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	return cmd
}
