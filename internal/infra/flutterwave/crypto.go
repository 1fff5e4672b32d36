package flutterwave

import (
	"bytes"
	"crypto/des"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// encryptPayload serializes payload and encrypts it with 3DES in ECB mode
// with PKCS#7 padding, as the direct charge endpoint expects in "client".
func encryptPayload(payload any, key string) (string, error) {
	if len(key) != 24 {
		return "", fmt.Errorf("encryption key must be 24 bytes, got %d", len(key))
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	block, err := des.NewTripleDESCipher([]byte(key))
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	pad := bs - len(plain)%bs
	plain = append(plain, bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += bs {
		block.Encrypt(out[i:i+bs], plain[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}
