package keystore

import (
	"errors"
	"fmt"
	"time"
)

const (
	credentialVersion  = 1
	maxSecretBytes     = 16 * 1024
	maxCredentialBytes = 32 * 1024

	defaultSSHPort = 22
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrCredentialTooBig  = errors.New("credential exceeds size limit")
)

// UserCredential stores everything needed to reach one user's Gateway:
// the SSH identity for the tunnel and the bearer token for the bridge
// handshake.
type UserCredential struct {
	Version          int       `json:"version"`
	UserID           string    `json:"user_id"`
	SSHHost          string    `json:"ssh_host"`
	SSHPort          int       `json:"ssh_port,omitempty"`
	SSHUser          string    `json:"ssh_user"`
	SSHPrivateKeyPEM []byte    `json:"ssh_private_key_pem"`
	GatewayPort      int       `json:"gateway_port,omitempty"`
	GatewayToken     string    `json:"gateway_token"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the record to avoid exposing internal buffers.
func (c UserCredential) Clone() UserCredential {
	out := c
	out.SSHPrivateKeyPEM = cloneBytes(c.SSHPrivateKeyPEM)
	return out
}

// Zero overwrites sensitive fields in-place.
func (c *UserCredential) Zero() {
	zeroBytes(c.SSHPrivateKeyPEM)
	c.GatewayToken = ""
}

func normalizeCredential(in UserCredential, now time.Time) (UserCredential, error) {
	if in.UserID == "" {
		return UserCredential{}, ErrInvalidSecretID
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = credentialVersion
	}
	if out.Version != credentialVersion {
		return UserCredential{}, fmt.Errorf("unsupported credential version %d: %w", out.Version, ErrInvalidCredential)
	}
	if out.SSHPort == 0 {
		out.SSHPort = defaultSSHPort
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	if !out.UpdatedAt.IsZero() {
		out.UpdatedAt = out.UpdatedAt.UTC()
	}
	if err := validateCredential(out); err != nil {
		return UserCredential{}, err
	}
	return out, nil
}

func validateCredential(rec UserCredential) error {
	if rec.SSHHost == "" {
		return fmt.Errorf("ssh host is required: %w", ErrInvalidCredential)
	}
	if rec.SSHUser == "" {
		return fmt.Errorf("ssh user is required: %w", ErrInvalidCredential)
	}
	if len(rec.SSHPrivateKeyPEM) == 0 {
		return fmt.Errorf("ssh private key is required: %w", ErrInvalidCredential)
	}
	if rec.GatewayToken == "" {
		return fmt.Errorf("gateway token is required: %w", ErrInvalidCredential)
	}
	if size := credentialSize(rec); size > maxCredentialBytes {
		return fmt.Errorf("credential is %d bytes (limit %d): %w", size, maxCredentialBytes, ErrCredentialTooBig)
	}
	return nil
}

func credentialSize(rec UserCredential) int {
	total := len(rec.UserID) + len(rec.SSHHost) + len(rec.SSHUser)
	total += len(rec.SSHPrivateKeyPEM) + len(rec.GatewayToken)
	return total
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
