package stake

import (
	"encoding/binary"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/milepool/milepool/pkg/identity"
)

// Domain separation prefixes. A signature over a finalize message can
// never be replayed as a cancel consent and vice versa; the prefixes
// are baked into the signed digest.
const (
	FinalizePrefix = "MILEPOOL_FINALIZE_V1"
	CancelPrefix   = "MILEPOOL_CANCEL_V1"
)

// FinalizeDigest is the digest the attester signs to authorize paying a
// challenge's pool to winner. It binds the challenge id, the winner,
// the result commitment and the signing timestamp.
func FinalizeDigest(challengeID uint64, winner identity.Address, resultHash []byte, signedAt time.Time) [32]byte {
	buf := make([]byte, 0, len(FinalizePrefix)+8+identity.AddressLength+len(resultHash)+8)
	buf = append(buf, FinalizePrefix...)
	buf = binary.BigEndian.AppendUint64(buf, challengeID)
	buf = append(buf, winner[:]...)
	buf = append(buf, resultHash...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(signedAt.Unix()))
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

// CancelDigest is the per-challenge digest every joined participant
// signs to consent to cancellation.
func CancelDigest(challengeID uint64) [32]byte {
	buf := make([]byte, 0, len(CancelPrefix)+8)
	buf = append(buf, CancelPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, challengeID)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}
