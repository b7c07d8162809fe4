package client

import (
	"fmt"
	"os"
	"os/user"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// DetectIdentity gathers host and user information the server attaches to
// the session of this client.
func DetectIdentity() (*domain.ClientIdentity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &domain.ClientIdentity{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
