package report

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const MaxClientKeyLen = 128

// DeriveKey returns the idempotency key for a start request. A client supplied
// key is scoped to the user; otherwise the key is a digest of who asked for
// what, so replays of the same request collapse onto one row.
func DeriveKey(userID uint64, t Type, in Input, clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey != "" {
		return "u" + strconv.FormatUint(userID, 10) + ":" + clientKey
	}

	// struct field order keeps the encoding canonical
	b, _ := json.Marshal(struct {
		UserID uint64 `json:"u"`
		Type   Type   `json:"t"`
		Input  Input  `json:"i"`
	}{userID, t, normalizeInput(in)})

	sum := blake2b.Sum256(b)
	return "d:" + hex.EncodeToString(sum[:])
}

func normalizeInput(in Input) Input {
	in.Name = strings.TrimSpace(in.Name)
	in.DOB = strings.TrimSpace(in.DOB)
	in.TOB = strings.TrimSpace(in.TOB)
	in.Place = strings.ToLower(strings.TrimSpace(in.Place))
	in.Timezone = strings.TrimSpace(in.Timezone)
	in.Question = strings.TrimSpace(in.Question)
	in.PartnerName = strings.TrimSpace(in.PartnerName)
	return in
}
