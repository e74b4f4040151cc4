package smp

import "time"

const (
	pairingRequest          = 0x01 // Pairing Request LE-U, ACL-U
	pairingResponse         = 0x02 // Pairing Response LE-U, ACL-U
	pairingConfirm          = 0x03 // Pairing Confirm LE-U
	pairingRandom           = 0x04 // Pairing Random LE-U
	pairingFailed           = 0x05 // Pairing Failed LE-U, ACL-U
	encryptionInformation   = 0x06 // Encryption Information LE-U
	masterIdentification    = 0x07 // Master Identification LE-U
	identityInformation     = 0x08 // Identity Information LE-U, ACL-U
	identityAddrInformation = 0x09 // Identity Address Information LE-U, ACL-U
	signingInformation      = 0x0A // Signing Information LE-U, ACL-U
	securityRequest         = 0x0B // Security Request LE-U
	pairingPublicKey        = 0x0C // Pairing Public Key LE-U
	pairingDHKeyCheck       = 0x0D // Pairing DHKey Check LE-U
	pairingKeypress         = 0x0E // Pairing Keypress Notification LE-U

	passkeyIterationCount = 20

	minKeySize = 7
	maxKeySize = 16

	// peer protocol violations tolerated before the session is aborted
	maxViolations = 3

	// DefaultTimeout is the SMP transaction timeout [Vol 3, Part H, 3.4].
	DefaultTimeout = 30 * time.Second
)

// Core spec v5.2, Vol 3, Part H, 3.3, Table 3.2
var pduLen = map[byte]int{
	pairingRequest:          7,
	pairingResponse:         7,
	pairingConfirm:          17,
	pairingRandom:           17,
	pairingFailed:           2,
	encryptionInformation:   17,
	masterIdentification:    11,
	identityInformation:     17,
	identityAddrInformation: 8,
	signingInformation:      17,
	securityRequest:         2,
	pairingPublicKey:        65,
	pairingDHKeyCheck:       17,
	pairingKeypress:         2,
}

var opcodeStrings = map[byte]string{
	pairingRequest:          "pairing request",
	pairingResponse:         "pairing response",
	pairingConfirm:          "pairing confirm",
	pairingRandom:           "pairing random",
	pairingFailed:           "pairing failed",
	encryptionInformation:   "encryption info",
	masterIdentification:    "master id",
	identityInformation:     "id info",
	identityAddrInformation: "id addr info",
	signingInformation:      "signing info",
	securityRequest:         "security req",
	pairingPublicKey:        "pairing pub key",
	pairingDHKeyCheck:       "pairing dhkey check",
	pairingKeypress:         "pairing keypress",
}

func opString(op byte) string {
	if s, ok := opcodeStrings[op]; ok {
		return s
	}
	return "reserved"
}
