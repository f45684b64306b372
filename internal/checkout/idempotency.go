package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

var orderNamespace = uuid.MustParse("6f1c3a52-8d0e-4c1b-9a57-2f4e0b7d9c31")

// IdempotencyKey identifies one confirmation of one cart revision.
func IdempotencyKey(userID string, localRevision int64, nonce string) string {
	sum := sha256.Sum256([]byte(userID + "|" + strconv.FormatInt(localRevision, 10) + "|" + nonce))
	return hex.EncodeToString(sum[:])
}

// OrderID derives the order id from the idempotency key (UUIDv5), so a
// resubmitted checkout collides with the order it already created.
func OrderID(key string) string {
	return uuid.NewSHA1(orderNamespace, []byte(key)).String()
}
