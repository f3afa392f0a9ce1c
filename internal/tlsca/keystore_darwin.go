//go:build darwin

package tlsca

import (
	"bytes"
	"fmt"
	"os/exec"
)

// keychainStore shells out to the `security` CLI against the user's login
// keychain, the same generic-password service used by browsers and dev
// tools that don't want a cgo dependency on Security.framework.
type keychainStore struct {
	service string
}

// NewKeyStore returns the macOS Keychain-backed KeyStore.
func NewKeyStore() KeyStore {
	return &keychainStore{service: "com.oisp.sensor.ca"}
}

func (k *keychainStore) Save(name string, keyPEM []byte) error {
	_ = exec.Command("security", "delete-generic-password", "-a", name, "-s", k.service).Run()

	cmd := exec.Command("security", "add-generic-password",
		"-a", name, "-s", k.service, "-w", string(keyPEM), "-U")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("keychain save %s: %w: %s", name, err, stderr.String())
	}
	return nil
}

func (k *keychainStore) Load(name string) ([]byte, bool, error) {
	cmd := exec.Command("security", "find-generic-password", "-a", name, "-s", k.service, "-w")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 44 {
			return nil, false, nil // item not found
		}
		return nil, false, fmt.Errorf("keychain load %s: %w: %s", name, err, stderr.String())
	}
	return bytes.TrimRight(stdout.Bytes(), "\n"), true, nil
}
