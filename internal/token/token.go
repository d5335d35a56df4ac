// Package token issues join credentials for the external media-routing
// service. The format is version 04: an 8-byte big-endian expiry, the AES-CBC
// iv and ciphertext with length prefixes, base64 encoded behind a "04" tag.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/huddle-chat/huddle/internal/errors"
)

const (
	version   = "04"
	secretLen = 32
	ivLen     = 16
)

// Privileges granted by every issued token: room login and stream publish.
const (
	privilegeLogin   = "1"
	privilegePublish = "2"
)

type claims struct {
	AppID   uint32 `json:"app_id"`
	UserID  string `json:"user_id"`
	Nonce   int32  `json:"nonce"`
	CTime   int64  `json:"ctime"`
	Expire  int64  `json:"expire"`
	Payload string `json:"payload"`
}

type roomPayload struct {
	RoomID       string         `json:"room_id"`
	Privilege    map[string]int `json:"privilege"`
	StreamIDList []string       `json:"stream_id_list"`
}

// Generator issues media tokens for one application id and server secret.
type Generator struct {
	appID  uint32
	secret []byte

	now func() time.Time
}

// NewGenerator validates the credentials once up front. The secret must be
// exactly 32 bytes, which selects AES-256.
func NewGenerator(appID uint32, secret string) (*Generator, error) {
	if appID == 0 {
		return nil, apperrors.New(apperrors.CodeTokenInvalidAppID, "app id is required")
	}
	if len(secret) != secretLen {
		return nil, apperrors.New(apperrors.CodeTokenInvalidSecret, fmt.Sprintf("secret must be %d bytes", secretLen))
	}
	return &Generator{
		appID:  appID,
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// Generate issues a token that lets userID join roomID for the given ttl.
func (g *Generator) Generate(userID, roomID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	if ttl <= 0 {
		return "", apperrors.New(apperrors.CodeTokenInvalidExpiry, "token lifetime must be positive")
	}

	payload, err := json.Marshal(roomPayload{
		RoomID: roomID,
		Privilege: map[string]int{
			privilegeLogin:   1,
			privilegePublish: 1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var nonceBytes [4]byte
	if _, err := rand.Read(nonceBytes[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	createdAt := g.now().Unix()
	expire := createdAt + int64(ttl/time.Second)
	plain, err := json.Marshal(claims{
		AppID:   g.appID,
		UserID:  userID,
		Nonce:   int32(binary.BigEndian.Uint32(nonceBytes[:])),
		CTime:   createdAt,
		Expire:  expire,
		Payload: string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	encrypted, err := encrypt(plain, g.secret, iv)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, 8+2+ivLen+2+len(encrypted))
	buf = binary.BigEndian.AppendUint64(buf, uint64(expire))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(iv)))
	buf = append(buf, iv...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(encrypted)))
	buf = append(buf, encrypted...)
	return version + base64.StdEncoding.EncodeToString(buf), nil
}

// encrypt runs AES-CBC with PKCS#7 padding.
func encrypt(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	padding := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+padding)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}
