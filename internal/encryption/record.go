package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"family-vault/internal/hashing"

	"golang.org/x/crypto/hkdf"
)

const (
	recordSaltSize = 16
	recordIVSize   = aes.BlockSize
	recordMACSize  = sha256.Size
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// PasswordData is the plaintext credential record a member stores in the vault.
type PasswordData struct {
	Username            string               `json:"username"`
	Password            string               `json:"password"`
	AdditionalPasswords []AdditionalPassword `json:"additionalPasswords,omitempty"`
	SecurityQuestions   []SecurityQuestion   `json:"securityQuestions,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	StructuredData      map[string]any       `json:"structuredData,omitempty"`
}

type AdditionalPassword struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type SecurityQuestion struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// EncryptedRecord is the at-rest form of a PasswordData. Salt and IV are hex,
// ciphertext and MAC are base64.
type EncryptedRecord struct {
	Encrypted string `json:"encrypted"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	MAC       string `json:"mac"`
}

// EncryptRecord serializes data and encrypts it with AES-256-CBC under a key derived
// from masterSecret and a fresh salt. A fresh IV is drawn for every call and the
// ciphertext is authenticated with HMAC-SHA256 (encrypt-then-MAC).
func EncryptRecord(data *PasswordData, masterSecret string) (*EncryptedRecord, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil record", ErrEncryptionFailed)
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, hashing.ErrEmptySecret)
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	salt := make([]byte, recordSaltSize)
	iv := make([]byte, recordIVSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	encKey, macKey, err := recordKeys(masterSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &EncryptedRecord{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:      hex.EncodeToString(salt),
		IV:        hex.EncodeToString(iv),
		MAC:       base64.StdEncoding.EncodeToString(recordMAC(macKey, salt, iv, ciphertext)),
	}, nil
}

// DecryptRecord reverses EncryptRecord. Structural problems with the envelope return
// ErrMalformedCiphertext; a wrong secret or any tampering returns ErrDecryptionFailed.
func DecryptRecord(rec *EncryptedRecord, masterSecret string) (*PasswordData, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrMalformedCiphertext)
	}
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil || len(salt) != recordSaltSize {
		return nil, fmt.Errorf("%w: invalid salt", ErrMalformedCiphertext)
	}
	iv, err := hex.DecodeString(rec.IV)
	if err != nil || len(iv) != recordIVSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrMalformedCiphertext)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Encrypted)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: invalid ciphertext length", ErrMalformedCiphertext)
	}
	mac, err := base64.StdEncoding.DecodeString(rec.MAC)
	if err != nil || len(mac) != recordMACSize {
		return nil, fmt.Errorf("%w: invalid mac", ErrMalformedCiphertext)
	}

	encKey, macKey, err := recordKeys(masterSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if !hmac.Equal(mac, recordMAC(macKey, salt, iv, ciphertext)) {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var data PasswordData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return &data, nil
}

// recordKeys splits the PBKDF2 output into independent cipher and MAC keys.
func recordKeys(masterSecret string, salt []byte) (encKey, macKey []byte, err error) {
	master := hashing.DeriveKey(masterSecret, salt)
	r := hkdf.New(sha256.New, master, salt, []byte("family-vault record v1"))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err := io.ReadFull(r, encKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func recordMAC(key, salt, iv, ciphertext []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(salt)
	m.Write(iv)
	m.Write(ciphertext)
	return m.Sum(nil)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
