package dicomdoc

import (
	"math/big"

	"github.com/google/uuid"
)

// uidRoot is the ISO/ITU arc for UUID-derived OIDs (PS3.5 B.2).
const uidRoot = "2.25."

// NewUID returns a fresh UUID-derived DICOM UID.
func NewUID() string {
	return FromUUID(uuid.New())
}

// FromUUID renders u as a 2.25 UID: the UUID's 128 bits as one decimal
// component. The result is at most 44 characters.
func FromUUID(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])
	return uidRoot + n.String()
}

// implementationClassUID is stable across runs so the PACS sees a single
// implementation for every object this service writes.
var implementationClassUID = FromUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("pacs-report-bridge/dicomdoc")))
