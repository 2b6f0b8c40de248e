package pacer

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/chatwire-io/chatwire/internal/protocol"
)

// fingerprintSalt pins the derivation so fingerprints never change across
// releases. Changing it would rotate every account's client identity at once,
// which the network notices.
var fingerprintSalt = []byte("chatwire/client-fingerprint/v1")

var (
	deviceLabels = []string{"Mac OS", "Windows", "Ubuntu", "Fedora", "Debian"}
	browserNames = []string{"Chrome", "Firefox", "Edge", "Safari", "Opera"}
)

// Fingerprint derives the stable client-identity tuple for an account. The
// same account id always yields the same tuple; distinct accounts diverge
// with overwhelming probability. Derivation is HKDF over the raw account id,
// so the tuple survives restarts without being stored anywhere.
func Fingerprint(accountID uuid.UUID) protocol.DeviceIdentity {
	r := hkdf.New(sha256.New, accountID[:], fingerprintSalt, []byte("device-identity"))

	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		// HKDF over fixed-size inputs cannot fail; keep a deterministic
		// fallback anyway rather than panic in a connect path.
		return protocol.DeviceIdentity{
			DeviceLabel:    deviceLabels[0],
			BrowserName:    browserNames[0],
			BrowserVersion: "120.0.0",
		}
	}

	major := 110 + int(buf[2])%20
	minor := int(buf[3]) % 10
	patch := int(uint16(buf[4])<<8|uint16(buf[5])) % 6000

	return protocol.DeviceIdentity{
		DeviceLabel:    deviceLabels[int(buf[0])%len(deviceLabels)],
		BrowserName:    browserNames[int(buf[1])%len(browserNames)],
		BrowserVersion: fmt.Sprintf("%d.%d.%d", major, minor, patch),
	}
}
