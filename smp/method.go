package smp

import (
	"fmt"

	"github.com/rigado/blesm"
)

// Method is the pairing (association) method.
type Method int

const (
	JustWorks Method = iota
	NumericComparison
	PasskeyEntry
	OutOfBand
)

var methodStrings = map[Method]string{
	JustWorks:         "just works",
	NumericComparison: "numeric comparison",
	PasskeyEntry:      "passkey entry",
	OutOfBand:         "oob",
}

func (m Method) String() string {
	if s, ok := methodStrings[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Authenticated reports whether the method protects against MITM.
func (m Method) Authenticated() bool {
	return m != JustWorks
}

const (
	jw = JustWorks
	nc = NumericComparison
	pk = PasskeyEntry
)

// Core spec v5.0 Vol 3, Part H, 2.3.5.1
// Tables 2.6, 2.7, and 2.8, indexed [responder][initiator]
var ioCapsTableSC = [][]Method{
	{jw, jw, pk, jw, pk},
	{jw, nc, pk, jw, nc},
	{pk, pk, pk, jw, pk},
	{jw, jw, jw, jw, jw},
	{pk, nc, pk, jw, nc},
}

var ioCapsTableLegacy = [][]Method{
	{jw, jw, pk, jw, pk},
	{jw, jw, pk, jw, pk},
	{pk, pk, pk, jw, pk},
	{jw, jw, jw, jw, jw},
	{pk, pk, pk, jw, pk},
}

// SelectMethod picks the association method for a request and response.
// OOB wins when the OOB flags allow it, Just Works is used when neither
// side asks for MITM protection, otherwise the IO capability table decides.
func SelectMethod(req, rsp blesm.Params, sc bool) Method {
	if sc {
		if req.OOB || rsp.OOB {
			return OutOfBand
		}
	} else if req.OOB && rsp.OOB {
		return OutOfBand
	}

	if !req.AuthReq.MITM() && !rsp.AuthReq.MITM() {
		return JustWorks
	}

	if !req.IOCap.Valid() || !rsp.IOCap.Valid() {
		return JustWorks
	}

	table := ioCapsTableSC
	if !sc {
		table = ioCapsTableLegacy
	}
	return table[rsp.IOCap][req.IOCap]
}

// passkeyRoles tells which side displays the passkey. When neither does,
// both enter it.
func passkeyRoles(init, resp blesm.IOCapability) (initDisplays, respDisplays bool) {
	switch init {
	case blesm.IOCapDisplayOnly, blesm.IOCapDisplayYesNo:
		return true, false
	case blesm.IOCapKeyboardOnly:
		if resp == blesm.IOCapKeyboardOnly {
			return false, false
		}
		return false, true
	case blesm.IOCapKeyboardDisplay:
		if resp == blesm.IOCapDisplayOnly || resp == blesm.IOCapDisplayYesNo {
			return false, true
		}
		return true, false
	}
	return false, false
}

// negotiation is the outcome of the pairing feature exchange.
type negotiation struct {
	sc       bool
	method   Method
	keySize  uint8
	bonding  bool
	initDist blesm.KeyDist
	respDist blesm.KeyDist
}

// negotiate combines the request and response. local are the parameters
// this side sent. A non-zero reason means pairing must fail.
func negotiate(req, rsp, local blesm.Params, scEnabled, scOnly bool) (negotiation, blesm.Reason) {
	n := negotiation{
		sc:      scEnabled && req.AuthReq.SecureConnections() && rsp.AuthReq.SecureConnections(),
		bonding: req.AuthReq.Bonding() && rsp.AuthReq.Bonding(),
	}

	if scOnly && !n.sc {
		return n, blesm.ReasonAuthenticationRequirements
	}

	n.keySize = req.MaxKeySize
	if rsp.MaxKeySize < n.keySize {
		n.keySize = rsp.MaxKeySize
	}
	if n.keySize < minKeySize {
		return n, blesm.ReasonEncryptionKeySize
	}

	n.method = SelectMethod(req, rsp, n.sc)
	if local.AuthReq.MITM() && !n.method.Authenticated() {
		return n, blesm.ReasonAuthenticationRequirements
	}

	n.initDist = req.InitiatorKey & rsp.InitiatorKey &^ blesm.KeyDistLink
	n.respDist = req.ResponderKey & rsp.ResponderKey &^ blesm.KeyDistLink
	if n.sc {
		n.initDist &^= blesm.KeyDistEncryption
		n.respDist &^= blesm.KeyDistEncryption
	}

	return n, 0
}
