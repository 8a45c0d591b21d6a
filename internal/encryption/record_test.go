package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *PasswordData {
	return &PasswordData{
		Username: "alice@example.com",
		Password: "S3cret!pass",
		AdditionalPasswords: []AdditionalPassword{
			{Label: "pin", Value: "1234", Description: "card pin"},
		},
		SecurityQuestions: []SecurityQuestion{
			{Question: "first pet", Answer: "rex"},
		},
		Notes:          "shared family account",
		StructuredData: map[string]any{"bank": "acme"},
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	rec, err := EncryptRecord(sampleRecord(), "master-secret")
	require.NoError(t, err)

	got, err := DecryptRecord(rec, "master-secret")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(), got)
}

func TestEncryptRecordFreshSaltAndIV(t *testing.T) {
	a, err := EncryptRecord(sampleRecord(), "master-secret")
	require.NoError(t, err)
	b, err := EncryptRecord(sampleRecord(), "master-secret")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Encrypted, b.Encrypted)
	assert.Len(t, a.Salt, recordSaltSize*2)
	assert.Len(t, a.IV, recordIVSize*2)
}

func TestDecryptRecordWrongSecret(t *testing.T) {
	rec, err := EncryptRecord(sampleRecord(), "master-secret")
	require.NoError(t, err)

	_, err = DecryptRecord(rec, "master-secreT")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func flipHex(t *testing.T, s string) string {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	b[0] ^= 0x01
	return hex.EncodeToString(b)
}

func flipB64(t *testing.T, s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	b[len(b)-1] ^= 0x01
	return base64.StdEncoding.EncodeToString(b)
}

func TestDecryptRecordDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, r *EncryptedRecord)
	}{
		{name: "ciphertext", mutate: func(t *testing.T, r *EncryptedRecord) { r.Encrypted = flipB64(t, r.Encrypted) }},
		{name: "iv", mutate: func(t *testing.T, r *EncryptedRecord) { r.IV = flipHex(t, r.IV) }},
		{name: "salt", mutate: func(t *testing.T, r *EncryptedRecord) { r.Salt = flipHex(t, r.Salt) }},
		{name: "mac", mutate: func(t *testing.T, r *EncryptedRecord) { r.MAC = flipB64(t, r.MAC) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := EncryptRecord(sampleRecord(), "master-secret")
			require.NoError(t, err)
			tt.mutate(t, rec)

			_, err = DecryptRecord(rec, "master-secret")
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestDecryptRecordMalformed(t *testing.T) {
	good, err := EncryptRecord(sampleRecord(), "master-secret")
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  *EncryptedRecord
	}{
		{name: "nil", rec: nil},
		{name: "salt not hex", rec: &EncryptedRecord{Encrypted: good.Encrypted, Salt: "zz", IV: good.IV, MAC: good.MAC}},
		{name: "short iv", rec: &EncryptedRecord{Encrypted: good.Encrypted, Salt: good.Salt, IV: "abcd", MAC: good.MAC}},
		{name: "ciphertext not block aligned", rec: &EncryptedRecord{
			Encrypted: base64.StdEncoding.EncodeToString([]byte("short")), Salt: good.Salt, IV: good.IV, MAC: good.MAC,
		}},
		{name: "missing mac", rec: &EncryptedRecord{Encrypted: good.Encrypted, Salt: good.Salt, IV: good.IV}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptRecord(tt.rec, "master-secret")
			assert.ErrorIs(t, err, ErrMalformedCiphertext)
		})
	}
}

func TestEncryptRecordRejectsBadInput(t *testing.T) {
	_, err := EncryptRecord(nil, "master-secret")
	assert.ErrorIs(t, err, ErrEncryptionFailed)

	_, err = EncryptRecord(sampleRecord(), "")
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 40; n++ {
		in := make([]byte, n)
		padded := pkcs7Pad(append([]byte(nil), in...), 16)
		assert.Zero(t, len(padded)%16)
		out, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}

	_, err := pkcs7Unpad([]byte{1, 2, 3}, 16)
	assert.Error(t, err)
	bad := make([]byte, 16)
	bad[15] = 17
	_, err = pkcs7Unpad(bad, 16)
	assert.Error(t, err)
}
