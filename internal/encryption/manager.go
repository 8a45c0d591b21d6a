package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"family-vault/internal/config"
	"family-vault/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const localKeyID = "local"

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SealedSecret is a server-side secret protected by envelope encryption.
type SealedSecret struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Purpose        string    `json:"purpose"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Marshal renders the sealed secret for storage in a text column.
func (s *SealedSecret) Marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ParseSealedSecret(raw string) (*SealedSecret, error) {
	var s SealedSecret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: invalid sealed secret", ErrDecryptionFailed)
	}
	return &s, nil
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

// EncryptionManager seals server-held secrets (master-password verifiers) at rest.
// With KMS enabled data keys come from KMS, otherwise they are wrapped by a local key.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	localKey  []byte
	keyCache  sync.Map // encrypted DEK (base64) -> plaintext DEK
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{}

	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, fmt.Errorf("kms enabled but no client provided")
		}
		em.kmsClient = kmsClient
		em.kmsKeyID = cfg.KMS.KeyID
		return em, nil
	}

	if cfg.KMS.LocalKey != "" {
		key, err := hex.DecodeString(cfg.KMS.LocalKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("KMS_LOCAL_KEY must be 32 bytes of hex")
		}
		em.localKey = key
		return em, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local wrapping key: %w", err)
	}
	em.localKey = key
	util.Warn("Using an ephemeral local wrapping key; sealed secrets will not survive a restart")
	return em, nil
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if em.kmsClient != nil {
		result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.kmsKeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &dataKey{plaintext: result.Plaintext, ciphertext: result.CiphertextBlob, keyID: em.kmsKeyID}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err := gcmSeal(em.localKey, key, []byte(localKeyID))
	if err != nil {
		return nil, err
	}
	return &dataKey{plaintext: key, ciphertext: wrapped, keyID: localKeyID}, nil
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, encryptedDEK string) ([]byte, error) {
	if cached, ok := em.keyCache.Load(encryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plaintext []byte
	if em.kmsClient != nil {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintext = result.Plaintext
	} else {
		plaintext, err = gcmOpen(em.localKey, blob, []byte(localKeyID))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to unwrap local DEK: %v", ErrDecryptionFailed, err)
		}
	}

	em.keyCache.Store(encryptedDEK, plaintext)
	return plaintext, nil
}

// Seal encrypts plaintext under a fresh data key. The purpose is bound as
// associated data so a secret cannot be replayed under another purpose.
func (em *EncryptionManager) Seal(ctx context.Context, plaintext, purpose string) (*SealedSecret, error) {
	dk, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext, err := gcmSeal(dk.plaintext, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(dk.ciphertext)
	em.keyCache.Store(encryptedDEK, dk.plaintext)

	return &SealedSecret{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   encryptedDEK,
		KeyID:          dk.keyID,
		Purpose:        purpose,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Open decrypts a sealed secret.
func (em *EncryptionManager) Open(ctx context.Context, sealed *SealedSecret) (string, error) {
	if sealed == nil {
		return "", fmt.Errorf("%w: nil secret", ErrDecryptionFailed)
	}
	key, err := em.unwrapDataKey(ctx, sealed.EncryptedDEK)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := gcmOpen(key, ciphertext, []byte(sealed.Purpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ClearCache drops every cached plaintext data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) CacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func gcmSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func gcmOpen(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, aad)
}
