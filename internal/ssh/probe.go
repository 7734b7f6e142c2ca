// Package ssh checks that a remote host accepts the backup login before any
// rsync job reads from it.
package ssh

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/rsync-backup/internal/config"
)

const DefaultProbeCommand = "rsync --version"

// Prober dials hosts and runs the configured probe command.
type Prober struct{}

// Probe connects to host as user, verifies its key against check.KnownHosts
// and runs the probe command. Command output goes to output.
func (Prober) Probe(user, host string, check *config.SSHCheck, output io.Writer) error {
	target, err := TargetFor(user, host, check)
	if err != nil {
		return err
	}

	con, err := SetupConnection(target)
	if err != nil {
		return err
	}
	defer func() {
		if err := con.Close(); err != nil {
			log.WithError(err).WithField("host", host).Debug("Closing probe connection")
		}
	}()

	cmd := check.Command
	if cmd == "" {
		cmd = DefaultProbeCommand
	}
	if err := con.ExecuteSingleCommand(cmd, nil, output, output, nil); err != nil {
		return fmt.Errorf("running %q on %s: %w", cmd, host, err)
	}
	return nil
}

// TargetFor builds the connection target of host from a group's ssh check.
func TargetFor(user, host string, check *config.SSHCheck) (Target, error) {
	key, err := os.ReadFile(check.PrivateKeyFile)
	if err != nil {
		return Target{}, fmt.Errorf("reading private key: %w", err)
	}
	return Target{
		Host:               host,
		Port:               check.Port,
		User:               user,
		PrivateKey:         key,
		KnownHosts:         check.KnownHosts,
		ProxyJumpHost:      check.ProxyJumpHost,
		ProxyJumpKnownHost: check.ProxyJumpKnownHost,
	}, nil
}
