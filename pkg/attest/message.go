package attest

import (
	"encoding/binary"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ConfirmPrefix domain-separates participant confirmation messages from
// the ledger's finalize and cancel messages. A confirmation signature
// is only ever meaningful to the oracle.
const ConfirmPrefix = "MILEPOOL_CONFIRM_V1"

// GracePeriodLen is how long after a challenge's end the oracle waits
// for unanimous confirmation before the timer alone permits attestation.
const GracePeriodLen = 7 * 24 * time.Hour

// ConfirmDigest is the fixed per-challenge digest a participant signs
// to confirm the result window.
func ConfirmDigest(challengeID uint64) [32]byte {
	buf := make([]byte, 0, len(ConfirmPrefix)+8)
	buf = append(buf, ConfirmPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, challengeID)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}
