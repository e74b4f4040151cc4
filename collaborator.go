package blesm

// Transport delivers SMP PDUs (L2CAP CID 0x0006) for a link. Send must not
// call back into the security manager synchronously.
type Transport interface {
	Send(h ConnHandle, pdu []byte) error
}

// Controller drives link encryption in the radio. Completion is reported
// asynchronously through OnEncryptionChange; implementations must not call
// back synchronously.
type Controller interface {
	StartEncryption(h ConnHandle, ltk LTK, ediv EDIV, rand Rand) error
	RefreshEncryption(h ConnHandle) error

	// ReplyLTK answers an LTK request. A nil key is a negative reply.
	ReplyLTK(h ConnHandle, ltk *LTK) error
}

// Persistence loads and saves the key store lists. It is only used when the
// security manager is initialised and terminated.
type Persistence interface {
	LoadBondedList() ([]BondedEntry, error)
	SaveBondedList([]BondedEntry) error
	LoadResolvingList() ([]ResolvingEntry, error)
	SaveResolvingList([]ResolvingEntry) error
}
