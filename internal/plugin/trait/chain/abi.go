package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/lovediary/agent-service/internal/model"
	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// secondsPerYear matches the contract's fixed 365-day year when deriving a
// birth year from the birthTimestamp.
const secondsPerYear = 31536000

// methodSelector returns the first four bytes of the Keccak-256 hash of the
// canonical function signature.
func methodSelector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// encodeUint256 returns v as a left-padded 32-byte word.
func encodeUint256(v int64) []byte {
	word := make([]byte, wordSize)
	binary.BigEndian.PutUint64(word[wordSize-8:], uint64(v))
	return word
}

// word returns the i-th 32-byte word of data.
func word(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if start+wordSize > len(data) {
		return nil, fmt.Errorf("abi: data too short for word %d (have %d bytes)", i, len(data))
	}
	return data[start : start+wordSize], nil
}

// wordUint reads the i-th word as an unsigned integer. Values above 64 bits
// are rejected; nothing in the character tuple legitimately exceeds them.
func wordUint(data []byte, i int) (uint64, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	for _, b := range w[:wordSize-8] {
		if b != 0 {
			return 0, fmt.Errorf("abi: word %d overflows uint64", i)
		}
	}
	return binary.BigEndian.Uint64(w[wordSize-8:]), nil
}

// decodeCharacterTuple decodes the return data of getCharacter(uint256):
// a single tuple (string name, uint32 birthTimestamp, uint8 gender,
// uint8 sexualOrientation, uint8 occupationId, uint8 personalityId,
// uint8 language, uint256 mintedAt, bool isBonded, bytes32 secret).
func decodeCharacterTuple(data []byte) (*model.CharacterSheet, error) {
	// The tuple contains a dynamic field, so the return data starts with an
	// offset to the tuple body.
	tupleOffset, err := wordUint(data, 0)
	if err != nil {
		return nil, err
	}
	if tupleOffset > uint64(len(data)) {
		return nil, fmt.Errorf("abi: tuple offset %d out of range", tupleOffset)
	}
	tuple := data[tupleOffset:]

	nameOffset, err := wordUint(tuple, 0)
	if err != nil {
		return nil, err
	}
	birthTimestamp, err := wordUint(tuple, 1)
	if err != nil {
		return nil, err
	}
	gender, err := wordUint(tuple, 2)
	if err != nil {
		return nil, err
	}
	orientation, err := wordUint(tuple, 3)
	if err != nil {
		return nil, err
	}
	occupationID, err := wordUint(tuple, 4)
	if err != nil {
		return nil, err
	}
	personalityID, err := wordUint(tuple, 5)
	if err != nil {
		return nil, err
	}
	language, err := wordUint(tuple, 6)
	if err != nil {
		return nil, err
	}
	mintedAt, err := wordUint(tuple, 7)
	if err != nil {
		return nil, err
	}
	bonded, err := wordUint(tuple, 8)
	if err != nil {
		return nil, err
	}
	secretWord, err := word(tuple, 9)
	if err != nil {
		return nil, err
	}

	name, err := decodeString(tuple, nameOffset)
	if err != nil {
		return nil, err
	}

	return &model.CharacterSheet{
		Name:              name,
		BirthYear:         1970 + int(birthTimestamp/secondsPerYear),
		BirthTimestamp:    int64(birthTimestamp),
		Gender:            int(gender),
		SexualOrientation: int(orientation),
		OccupationID:      int(occupationID),
		PersonalityID:     int(personalityID),
		Language:          int(language),
		MintedAt:          int64(mintedAt),
		IsBonded:          bonded != 0,
		Secret:            hex.EncodeToString(secretWord),
	}, nil
}

// decodeString decodes a dynamic string at the given offset within data.
func decodeString(data []byte, offset uint64) (string, error) {
	if offset+wordSize > uint64(len(data)) {
		return "", fmt.Errorf("abi: string offset %d out of range", offset)
	}
	length := binary.BigEndian.Uint64(data[offset+wordSize-8 : offset+wordSize])
	start := offset + wordSize
	if start+length > uint64(len(data)) {
		return "", fmt.Errorf("abi: string of length %d out of range", length)
	}
	return string(data[start : start+length]), nil
}
