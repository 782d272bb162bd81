// Package audit records every state-changing action exactly once, in the
// same transaction as the change, and seals the trail with Merkle
// checkpoints so after-the-fact tampering is detectable.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/ramus-io/ramus/internal/model"
)

// Content hashes are versioned: "v2:" + hex SHA-256 over the length-prefixed
// identity fields. Length prefixes prevent ambiguity when adjacent fields
// are concatenated.
const hashVersion = "v2:"

// RFC 6962 domain separators keep leaf and interior hashes from colliding.
const (
	leafPrefix = byte(0x00)
	nodePrefix = byte(0x01)
)

// ContentHash computes the tamper-evidence hash of a record. Fields that
// identify the action are covered; bookkeeping (row id, retention flags) is
// not.
func ContentHash(rec model.AuditRecord) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(rec.EventID.String())
	writeField(rec.Action)
	writeField(rec.ActorID)
	writeField(rec.TargetKind)
	writeField(rec.TargetID)
	writeField(rec.Branch)
	writeField(strconv.FormatBool(rec.Success))
	writeField(rec.Time.UTC().Format("2006-01-02T15:04:05.000000Z"))
	return hashVersion + hex.EncodeToString(h.Sum(nil))
}

// merkleRoot folds the content hashes of a record window into a single root
// per RFC 6962: odd nodes promote unpaired.
func merkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([][]byte, len(hashes))
	for i, s := range hashes {
		h := sha256.New()
		h.Write([]byte{leafPrefix})
		h.Write([]byte(s))
		level[i] = h.Sum(nil)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write([]byte{nodePrefix})
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hashVersion + hex.EncodeToString(level[0])
}
