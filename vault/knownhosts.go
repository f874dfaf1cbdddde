// Known-hosts TOFU store: spec §6's "known-hosts file (SSH TOFU in
// standard known_hosts textual form)", implemented directly on top of
// golang.org/x/crypto/ssh/knownhosts, which already speaks that format.
package vault

import (
	"errors"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/oxideterm/core/errs"
)

// KnownHosts wraps a standard known_hosts file as a host-key verifier
// and a trust-on-first-use recorder.
type KnownHosts struct {
	path string
}

// NewKnownHosts constructs a store backed by the file at path, creating
// it if absent.
func NewKnownHosts(path string) (*KnownHosts, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "create known_hosts file"}}
		}
	}
	return &KnownHosts{path: path}, nil
}

// Callback returns an ssh.HostKeyCallback that verifies against the
// current contents of the known_hosts file (spec §6). A mismatch
// against a previously trusted key surfaces as HostKeyMismatch.
func (k *KnownHosts) Callback() (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return nil, errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "parse known_hosts"}}
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return errs.ErrHostKeyMismatch{Inner: err, Context: errs.HostKeyMismatchContext{
				Host:        hostname,
				Fingerprint: ssh.FingerprintSHA256(key),
			}}
		}
		// Unknown host (len(keyErr.Want) == 0): callers decide whether to
		// trust on first use by calling Trust before retrying the dial.
		return err
	}, nil
}

// Trust appends hostname's key to the known_hosts file, implementing
// trust-on-first-use for a host not yet recorded.
func (k *KnownHosts) Trust(hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "open known_hosts for append"}}
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "append known_hosts entry"}}
	}
	return nil
}

// IsUnknownHost reports whether err represents a host with no recorded
// key yet, as opposed to a recorded key that no longer matches.
func IsUnknownHost(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return len(keyErr.Want) == 0
	}
	return false
}
