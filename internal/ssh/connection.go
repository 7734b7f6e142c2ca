package ssh

import (
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Target describes how to reach a host over ssh.
type Target struct {
	Host               string
	Port               int
	User               string
	PrivateKey         []byte
	KnownHosts         []string
	ProxyJumpHost      string
	ProxyJumpKnownHost string
}

type SshConnection struct {
	client         *ssh.Client
	jumpClient     *ssh.Client
	keepAlives     chan<- bool
	keepAlivesJump chan<- bool
}

func SetupConnection(target Target) (SshConnection, error) {
	con, jumpCon, err := dialSsh(target)
	if err != nil {
		return SshConnection{}, err
	}
	result := SshConnection{}
	result.client = con
	result.keepAlives = sendKeepAlive(con, 10*time.Second, 30)
	if jumpCon != nil {
		result.jumpClient = jumpCon
		result.keepAlivesJump = sendKeepAlive(jumpCon, 10*time.Second, 30)
	}
	return result, nil
}

func (c SshConnection) ExecuteSingleCommand(cmd string, stdIn io.Reader, stdOut io.Writer, stdErr io.Writer, env map[string]string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	log.WithField("command", cmd).Debug("Opened session")
	defer session.Close()

	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return fmt.Errorf("could not set %s in session: %w", k, err)
		}
	}

	session.Stdin = stdIn
	session.Stdout = stdOut
	session.Stderr = stdErr

	return session.Run(cmd)
}

func (c *SshConnection) Close() error {
	if c.client != nil {
		defer func() {
			c.client = nil
			c.jumpClient = nil
		}()

		c.keepAlives <- false
		errClient := c.client.Close()

		if c.jumpClient != nil {
			c.keepAlivesJump <- false
			if err := c.jumpClient.Close(); err != nil {
				return err
			}
		}
		return errClient
	} else {
		return errors.New("already closed connection")
	}
}
