package coordinator

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// StateHash digests a canonical view of undo/redo stack depth plus the
// document's observable state. Two tabs holding identical undo/redo/doc
// state always produce identical digests, which is all the divergence
// check in onHeartbeat needs — the hash is never decoded, only compared.
func StateHash(documentState interface{}, undoDepth, redoDepth int) (string, error) {
	body, err := json.Marshal(struct {
		Undo  int         `json:"undo"`
		Redo  int         `json:"redo"`
		State interface{} `json:"state"`
	}{Undo: undoDepth, Redo: redoDepth, State: documentState})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
