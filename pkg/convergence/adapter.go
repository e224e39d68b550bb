package convergence

import (
	"context"
	"time"

	"github.com/fleetward/nodewarden/pkg/sshdriver"
)

// sshSession adapts an *sshdriver.Session to the Shell interface, converting
// between the two packages' identically-shaped but distinctly-typed Result.
type sshSession struct {
	session *sshdriver.Session
}

// WrapSession adapts an sshdriver Session so the Engine can drive it.
func WrapSession(s *sshdriver.Session) Shell {
	return &sshSession{session: s}
}

func (a *sshSession) Exec(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	r, err := a.session.Exec(ctx, cmd, timeout)
	return Result{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, err
}

func (a *sshSession) Upload(ctx context.Context, data []byte, remotePath string) error {
	return a.session.Upload(ctx, data, remotePath)
}
