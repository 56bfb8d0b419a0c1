package values

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
)

// HashValue is a SHA-256 digest identifying verdict content
type HashValue struct {
	hash string // lower-case hex, 64 characters
}

var sha256HexRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// NewHashValue creates a new HashValue value object with validation
func NewHashValue(hash string) (HashValue, error) {
	if hash == "" {
		return HashValue{}, errors.NewValidationError("EMPTY_HASH",
			"hash value cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(hash))
	if !sha256HexRegex.MatchString(normalized) {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_FORMAT",
			"hash must be a 64-character hexadecimal string (SHA-256)")
	}

	return HashValue{hash: normalized}, nil
}

// ComputeHashValue computes SHA-256 hash for the given data
func ComputeHashValue(data []byte) (HashValue, error) {
	if len(data) == 0 {
		return HashValue{}, errors.NewValidationError("EMPTY_DATA",
			"data to hash cannot be empty")
	}

	sum := sha256.Sum256(data)
	return HashValue{hash: hex.EncodeToString(sum[:])}, nil
}

// MustNewHashValue creates HashValue and panics on error (for constants/tests)
func MustNewHashValue(hash string) HashValue {
	h, err := NewHashValue(hash)
	if err != nil {
		panic(err)
	}
	return h
}

func (h HashValue) String() string {
	return h.hash
}

// Bytes returns the raw digest
func (h HashValue) Bytes() []byte {
	b, _ := hex.DecodeString(h.hash)
	return b
}

func (h HashValue) IsEmpty() bool {
	return h.hash == ""
}

func (h HashValue) Equal(other HashValue) bool {
	return h.hash == other.hash
}

// Truncate returns the first 12 characters for log fields and dedup keys
func (h HashValue) Truncate() string {
	if len(h.hash) <= 12 {
		return h.hash
	}
	return h.hash[:12]
}

func (h HashValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.hash)
}

func (h *HashValue) UnmarshalJSON(data []byte) error {
	var hash string
	if err := json.Unmarshal(data, &hash); err != nil {
		return err
	}
	if hash == "" {
		*h = HashValue{}
		return nil
	}

	hashValue, err := NewHashValue(hash)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}

// Value implements driver.Valuer for database storage
func (h HashValue) Value() (driver.Value, error) {
	if h.hash == "" {
		return nil, nil
	}
	return h.hash, nil
}

// Scan implements sql.Scanner for database retrieval
func (h *HashValue) Scan(value interface{}) error {
	if value == nil {
		*h = HashValue{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into HashValue", value)
	}

	if str == "" {
		*h = HashValue{}
		return nil
	}

	hashValue, err := NewHashValue(str)
	if err != nil {
		return err
	}

	*h = hashValue
	return nil
}
