package chatsession

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// SID prefixes, by message origin.
const (
	PrefixUserSent         = "WS"
	PrefixAgentReceived    = "BR"
	PrefixSystem           = "SY"
	PrefixStarterAssistant = "IA"
)

// GenerateSID builds a message identifier of the form
// <prefix><32 hex chars><ROLE INITIAL>. The digest input mixes a
// high-resolution timestamp, the message text and a random nonce, so two
// calls with identical text in the same instant still differ.
func GenerateSID(text, roleInitial, prefix string) string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	seed := time.Now().UTC().Format(time.RFC3339Nano) + text + hex.EncodeToString(nonce[:])
	sum := md5.Sum([]byte(seed))
	return prefix + hex.EncodeToString(sum[:]) + strings.ToUpper(roleInitial)
}
