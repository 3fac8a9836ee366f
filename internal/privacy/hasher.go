// Package privacy derives the salted one-way device identifiers used wherever a
// device identity is stored, logged or compared.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen  = 16
	saltInfo = "edgegate/device-id-salt/v1"

	legacySaltPrefix = "beacon-gateway-"
	legacySaltLen    = 16
)

// Salt derivation schemes.
const (
	SchemeHKDF   = "hkdf"
	SchemeLegacy = "legacy"
)

// ErrEmptyGatewayID is returned when no gateway identity is available to derive the salt from.
var ErrEmptyGatewayID = errors.New("gateway id is required to derive the device salt")

// DeviceHasher hashes raw device identifiers with a salt bound to one gateway.
// The same device id hashes identically on the same gateway across restarts.
type DeviceHasher struct {
	salt string
}

// NewDeviceHasher derives the gateway salt with HKDF-SHA256 keyed by the gateway id.
func NewDeviceHasher(gatewayID string) (*DeviceHasher, error) {
	return NewDeviceHasherWithScheme(gatewayID, SchemeHKDF)
}

// NewDeviceHasherWithScheme derives the gateway salt with the named scheme. SchemeLegacy
// reproduces the salt of earlier Beacon gateways, the first 16 hex characters of
// SHA-256("beacon-gateway-" + id), so hashes stay comparable across a mixed fleet.
// An empty scheme means SchemeHKDF.
func NewDeviceHasherWithScheme(gatewayID, scheme string) (*DeviceHasher, error) {
	if gatewayID == "" {
		return nil, ErrEmptyGatewayID
	}
	switch scheme {
	case SchemeHKDF, "":
		return hkdfHasher(gatewayID)
	case SchemeLegacy:
		sum := sha256.Sum256([]byte(legacySaltPrefix + gatewayID))
		return &DeviceHasher{salt: hex.EncodeToString(sum[:])[:legacySaltLen]}, nil
	default:
		return nil, fmt.Errorf("unknown salt scheme %q", scheme)
	}
}

func hkdfHasher(gatewayID string) (*DeviceHasher, error) {
	r := hkdf.New(sha256.New, []byte(gatewayID), []byte("edgegate-gateway"), []byte(saltInfo))
	buf := make([]byte, saltLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &DeviceHasher{salt: hex.EncodeToString(buf)}, nil
}

// Hash returns the hex SHA-256 digest of "deviceID:salt".
func (h *DeviceHasher) Hash(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID + ":" + h.salt))
	return hex.EncodeToString(sum[:])
}
