package service

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/d60-Lab/notification-service/internal/model"
)

// DedupKey 通知指纹：BLAKE2b-256(type|actor|subject|recipient)，十六进制
func DedupKey(typ model.NotificationType, actorID, subjectID, recipientID int64) string {
	var b strings.Builder
	b.WriteString(string(typ))
	for _, v := range [...]int64{actorID, subjectID, recipientID} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(v, 10))
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
