package ssh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort = 22
	dialTimeout = 30 * time.Second
)

func parseSshKey(privateKey []byte) (ssh.Signer, error) {
	key, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

func createKnownHostFile(hosts ...string) (tempKnownHostFile string, err error) {
	knownHostTemp, err := os.CreateTemp("", "ssh-known-*")
	if err != nil {
		return "/dev/null", fmt.Errorf("creating known hosts file: %w", err)
	}
	defer knownHostTemp.Close()

	var lines []string
	for _, h := range hosts {
		if strings.TrimSpace(h) != "" {
			lines = append(lines, h)
		}
	}
	if _, err := knownHostTemp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		return "/dev/null", fmt.Errorf("writing custom known hosts: %w", err)
	}
	return knownHostTemp.Name(), nil
}

func createKnownHostChecker(hosts ...string) (ssh.HostKeyCallback, error) {
	tempFile, err := createKnownHostFile(hosts...)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tempFile)

	return knownhosts.New(tempFile)
}

func withPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func dialSsh(target Target) (*ssh.Client, *ssh.Client, error) {
	knownHosts := append([]string{}, target.KnownHosts...)
	knownHosts = append(knownHosts, target.ProxyJumpKnownHost)
	khCallback, err := createKnownHostChecker(knownHosts...)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing knownhost validator: %w", err)
	}

	signer, err := parseSshKey(target.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	config := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: khCallback,
		Timeout:         dialTimeout,
	}

	var client *ssh.Client
	var proxyJumpClient *ssh.Client
	targetAddr := withPort(target.Host, target.Port)
	if target.ProxyJumpHost != "" {
		targetJumpAddr := withPort(target.ProxyJumpHost, defaultPort)
		log.WithField("jump", targetJumpAddr).Debug("Connecting to jump host first")
		proxyJumpClient, err = ssh.Dial("tcp", targetJumpAddr, config)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to proxyJumpHost: %w", err)
		}

		log.WithField("target", targetAddr).Debug("Connecting to target via jump")
		jumpedDial, err := proxyJumpClient.Dial("tcp", targetAddr)
		if err != nil {
			defer proxyJumpClient.Close()
			return nil, nil, fmt.Errorf("connecting to host via proxy: %w", err)
		}
		// now we use this tcp socket to create an ssh connection
		c, chans, regs, err := ssh.NewClientConn(jumpedDial, targetAddr, config)
		if err != nil {
			defer proxyJumpClient.Close()
			defer jumpedDial.Close()
			return nil, nil, fmt.Errorf("opening ssh connection to host via proxy: %w", err)
		}
		client = ssh.NewClient(c, chans, regs)
	} else {
		log.WithField("target", targetAddr).Debug("Connecting to target")
		client, err = ssh.Dial("tcp", targetAddr, config)
		if err != nil {
			return nil, nil, fmt.Errorf("opening ssh connection: %w", err)
		}
	}

	return client, proxyJumpClient, nil
}

func sendKeepAlive(client *ssh.Client, every time.Duration, maxErrors int) chan<- bool {
	done := make(chan bool, 1)
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()

		fails := 0
		for {
			select {
			case <-t.C:
				if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					fails++
					if fails >= maxErrors {
						log.WithError(err).Debug("Stopping ssh client due to keepalive misses")
						if err := client.Close(); err != nil {
							log.WithError(err).Error("Could not close ssh session")
						}
						return
					}
				} else {
					fails = 0
				}
			case <-done:
				log.Debug("Gracefully stop sending keep-alives")
				return
			}
		}
	}()
	return done
}
