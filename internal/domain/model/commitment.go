package model

import (
	"crypto/sha256"
	"encoding/binary"
)

// Commitment binds a subscription's execution parameters at creation time.
// Only the digest is stored; each execution re-derives it from the accounts
// actually presented and compares byte-for-byte, so a recurring payment cannot
// be redirected to a different merchant or partner account, nor billed at a
// forged frequency.
type Commitment [32]byte

// NewCommitment hashes the four identifying parameters. The frequency is
// serialized as fixed-width little-endian so the digest is stable across
// platforms.
func NewCommitment(merchantAccount, subscriberAccount string, frequency uint32, partnerAccount string) Commitment {
	var freq [4]byte
	binary.LittleEndian.PutUint32(freq[:], frequency)

	h := sha256.New()
	h.Write([]byte(merchantAccount))
	h.Write([]byte(subscriberAccount))
	h.Write(freq[:])
	h.Write([]byte(partnerAccount))

	var c Commitment
	copy(c[:], h.Sum(nil))
	return c
}

func (c Commitment) Equal(other Commitment) bool { return c == other }
