//go:build windows

package tlsca

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	crypt32              = windows.NewLazySystemDLL("crypt32.dll")
	procCryptProtectData = crypt32.NewProc("CryptProtectData")
	procCryptUnprotect   = crypt32.NewProc("CryptUnprotectData")
	localFree            = windows.NewLazySystemDLL("kernel32.dll").NewProc("LocalFree")
)

type dataBlob struct {
	cbData uint32
	pbData *byte
}

func newBlob(b []byte) *dataBlob {
	if len(b) == 0 {
		return &dataBlob{}
	}
	return &dataBlob{cbData: uint32(len(b)), pbData: &b[0]}
}

func (b *dataBlob) bytes() []byte {
	if b.pbData == nil || b.cbData == 0 {
		return nil
	}
	out := make([]byte, b.cbData)
	copy(out, unsafe.Slice(b.pbData, b.cbData))
	return out
}

// dpapiStore persists secrets under %LOCALAPPDATA%\oisp-sensor\ca, each
// file encrypted for the current user via DPAPI (CryptProtectData), the
// same mechanism Chrome and most Windows tooling use for local secrets.
type dpapiStore struct {
	dir string
}

// NewKeyStore returns the Windows DPAPI-backed KeyStore.
func NewKeyStore() KeyStore {
	dir := filepath.Join(os.Getenv("LOCALAPPDATA"), "oisp-sensor", "ca")
	return &dpapiStore{dir: dir}
}

func (s *dpapiStore) path(name string) string {
	return filepath.Join(s.dir, name+".dpapi")
}

func (s *dpapiStore) Save(name string, keyPEM []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("dpapi store dir: %w", err)
	}
	in := newBlob(keyPEM)
	var out dataBlob
	ret, _, err := procCryptProtectData.Call(
		uintptr(unsafe.Pointer(in)),
		0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)),
	)
	if ret == 0 {
		return fmt.Errorf("CryptProtectData: %w", err)
	}
	defer localFree.Call(uintptr(unsafe.Pointer(out.pbData)))

	return os.WriteFile(s.path(name), out.bytes(), 0o600)
}

func (s *dpapiStore) Load(name string) ([]byte, bool, error) {
	encrypted, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dpapi read %s: %w", name, err)
	}

	in := newBlob(encrypted)
	var out dataBlob
	ret, _, callErr := procCryptUnprotect.Call(
		uintptr(unsafe.Pointer(in)),
		0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)),
	)
	if ret == 0 {
		return nil, false, fmt.Errorf("CryptUnprotectData: %w", callErr)
	}
	defer localFree.Call(uintptr(unsafe.Pointer(out.pbData)))

	return out.bytes(), true, nil
}
