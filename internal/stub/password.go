package stub

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// hashParams are deliberately cheap; the stub only protects test data.
type hashParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

var defaultHashParams = hashParams{
	memory:      8 * 1024,
	time:        1,
	parallelism: 1,
	saltLength:  16,
	keyLength:   32,
}

// hashPassword renders a PHC string.
func hashPassword(password string, p hashParams) (string, error) {
	salt := make([]byte, p.saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.parallelism, p.keyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		p.memory,
		p.time,
		p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return false, errors.New("invalid PHC format")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return false, errors.New("unsupported argon2 version")
	}

	var p hashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.parallelism); err != nil {
		return false, errors.New("invalid parameter format")
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return false, errors.New("invalid parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("invalid salt encoding")
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return false, errors.New("invalid hash encoding")
	}

	computed := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1, nil
}
