package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"abuse-guard/internal/config"
	"abuse-guard/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// dataKeyTTL bounds how long one data key encrypts new values.
const dataKeyTTL = time.Hour

// KMSAPI is the part of the KMS client the manager uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
	createdAt  time.Time
}

// EncryptionManager does envelope encryption of identities carried by
// security events. With KMS disabled it uses local AES keys that are only as
// safe as the process memory, which is fine for development.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	useKMS    bool

	mu       sync.Mutex
	current  map[string]*DataKey // purpose -> active key
	keyCache sync.Map            // base64 encrypted DEK -> plaintext DEK
}

// NewEncryptionManager loads AWS credentials from the default chain when KMS
// is enabled.
func NewEncryptionManager(ctx context.Context, cfg *config.Config) (*EncryptionManager, error) {
	if !cfg.KMS.Enabled {
		return NewWithKMS(nil, ""), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithKMS(kms.NewFromConfig(awsCfg), cfg.KMS.KeyID), nil
}

// NewWithKMS builds a manager around an explicit client. A nil client means
// local keys.
func NewWithKMS(client KMSAPI, keyID string) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: client,
		kmsKeyID:  keyID,
		useKMS:    client != nil,
		current:   make(map[string]*DataKey),
	}
}

// GenerateDataKey returns a fresh data key for purpose.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context, keyPurpose string) (*DataKey, error) {
	if !em.useKMS {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(em.kmsKeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"purpose": keyPurpose},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      aws.ToString(result.KeyId),
		createdAt:  time.Now(),
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &DataKey{
		Plaintext:  key,
		Ciphertext: key,
		KeyID:      uuid.New().String(),
		createdAt:  time.Now(),
	}, nil
}

func (em *EncryptionManager) activeKey(ctx context.Context, keyPurpose string) (*DataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if key, ok := em.current[keyPurpose]; ok && time.Since(key.createdAt) < dataKeyTTL {
		return key, nil
	}

	key, err := em.GenerateDataKey(ctx, keyPurpose)
	if err != nil {
		return nil, err
	}
	em.current[keyPurpose] = key
	em.keyCache.Store(base64.StdEncoding.EncodeToString(key.Ciphertext), key.Plaintext)

	util.Debug("Data key rotated",
		zap.String("key_purpose", keyPurpose),
		zap.String("key_id", key.KeyID),
		zap.Bool("kms", em.useKMS))
	return key, nil
}

// EncryptField encrypts plaintext with the active data key for keyPurpose.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, keyPurpose string) (*EncryptedData, error) {
	dataKey, err := em.activeKey(ctx, keyPurpose)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(keyPurpose))

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField reverses EncryptField for the same keyPurpose.
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData, keyPurpose string) (string, error) {
	dek, err := em.plaintextDEK(ctx, data.EncryptedDEK, keyPurpose)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(keyPurpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) plaintextDEK(ctx context.Context, encryptedDEK, keyPurpose string) ([]byte, error) {
	if cached, ok := em.keyCache.Load(encryptedDEK); ok {
		return cached.([]byte), nil
	}
	if !em.useKMS {
		// Local keys never leave the process, so an unknown one is unrecoverable.
		return nil, fmt.Errorf("%w: unknown local data key", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		EncryptionContext: map[string]string{"purpose": keyPurpose},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}

	em.keyCache.Store(encryptedDEK, result.Plaintext)
	return result.Plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops cached plaintext DEKs and forces new active keys.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.current = make(map[string]*DataKey)
	em.mu.Unlock()

	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
