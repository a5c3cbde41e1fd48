package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// GenerateDownloadToken returns an opaque 128-bit token as 32 hex chars.
// Tokens are bearer credentials, so they come from crypto/rand only.
func GenerateDownloadToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func GenerateEventID() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999999))
	return fmt.Sprintf("evt_%d_%09d", timestamp, randomNum.Int64())
}
