package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHDialer opens shells over SSH. Instances are ephemeral marketplace
// machines whose host keys are not known ahead of time.
type SSHDialer struct {
	// KeyPath is the fallback private key used when the instance carries no
	// credentials. Empty means probing ~/.ssh.
	KeyPath     string
	DialTimeout time.Duration
}

func (d *SSHDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	addr := target.Addr()
	authMethods, err := d.buildAuthMethods(target)
	if err != nil {
		return nil, &ChannelError{Stage: StageAuth, Addr: addr, Err: err}
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ChannelError{Stage: StageDial, Addr: addr, Err: err}
	}
	// Bound the handshake too; a host that accepts TCP but never speaks SSH
	// would otherwise hang here.
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		stage := StageDial
		if strings.Contains(err.Error(), "unable to authenticate") {
			stage = StageAuth
		}
		return nil, &ChannelError{Stage: stage, Addr: addr, Err: err}
	}
	_ = netConn.SetDeadline(time.Time{})
	return &shellConn{client: ssh.NewClient(sshConn, chans, reqs), addr: addr}, nil
}

func (d *SSHDialer) buildAuthMethods(target Target) ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(target.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(target.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner(d.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

type shellConn struct {
	client *ssh.Client
	addr   string
}

func (c *shellConn) Run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return -1, &ChannelError{Stage: StageSession, Addr: c.addr, Err: err}
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		// Closing the client unblocks the output copiers if the remote side
		// ignores the signal.
		_ = c.client.Close()
		<-done
		return -1, context.Cause(ctx)
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}

func (c *shellConn) Upload(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func (c *shellConn) Close() error {
	return c.client.Close()
}

func defaultPrivateKeySigner(keyPath string) (ssh.Signer, error) {
	if keyPath = strings.TrimSpace(keyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
