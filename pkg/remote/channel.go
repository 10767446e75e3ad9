package remote

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vyvo/studio/backend/pkg/instances"
)

// Stages at which opening the remote channel can fail.
const (
	StageAuth    = "auth"
	StageDial    = "dial"
	StageSession = "session"
)

// ChannelError means the remote shell could not be opened at all: the host
// was unreachable, refused the handshake, or rejected our credentials. It is
// distinct from the script failing after it started.
type ChannelError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("remote channel %s %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Target holds what is needed to open a shell on an instance.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey string
	Password   string
}

func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// TargetFor derives the connection descriptor from an instance record.
func TargetFor(inst *instances.Instance, defaultUser string) Target {
	host, port := inst.SSHTarget()
	user := inst.SSHUsername
	if user == "" {
		user = defaultUser
	}
	return Target{
		Host:       host,
		Port:       port,
		User:       user,
		PrivateKey: inst.SSHPrivateKey,
		Password:   inst.SSHPassword,
	}
}

// Dialer opens remote shell connections. Errors that prevent a connection
// must be returned as *ChannelError.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Conn is an open connection to one instance.
type Conn interface {
	// Run executes command with stdin attached and streams both outputs.
	// A nil error with a nonzero code means the command ran and failed; a
	// non-nil error means the stream broke before an exit status arrived.
	Run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error)
	Upload(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error
	Close() error
}
