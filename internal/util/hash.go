package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// channelPrefix namespaces folder channels on shared servers
const channelPrefix = "lsn-"

// ComputeHash calculates SHA-256 hash of data and returns hex string
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeHashString is a convenience function for string data
func ComputeHashString(data string) string {
	return ComputeHash([]byte(data))
}

// ChannelName maps a folder identifier to the name used on the wire.
// Folder identifiers never leave the client in clear text.
func ChannelName(folderIdentifier string) string {
	return channelPrefix + ComputeHashString(folderIdentifier)[:32]
}
