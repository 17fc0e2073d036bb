package chain

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintWord(v uint64) []byte {
	w := make([]byte, wordSize)
	binary.BigEndian.PutUint64(w[wordSize-8:], v)
	return w
}

// encodeCharacter builds the ABI return data of getCharacter(uint256) the way
// a node would: outer offset, tuple head, then the dynamic name tail.
func encodeCharacter(name string, fields [8]uint64, secret []byte) []byte {
	var data []byte
	data = append(data, uintWord(wordSize)...) // offset to tuple

	var tuple []byte
	tuple = append(tuple, uintWord(10*wordSize)...) // offset to name, relative to tuple
	for _, f := range fields {
		tuple = append(tuple, uintWord(f)...)
	}
	secretWord := make([]byte, wordSize)
	copy(secretWord, secret)
	tuple = append(tuple, secretWord...)

	tuple = append(tuple, uintWord(uint64(len(name)))...)
	padded := make([]byte, (len(name)+wordSize-1)/wordSize*wordSize)
	copy(padded, name)
	tuple = append(tuple, padded...)

	return append(data, tuple...)
}

func TestDecodeCharacterTuple(t *testing.T) {
	// birthTimestamp of 31536000*30 seconds lands in 2000.
	fields := [8]uint64{
		31536000 * 30, // birthTimestamp
		1,             // gender
		2,             // sexualOrientation
		4,             // occupationId
		7,             // personalityId
		0,             // language
		1700000000,    // mintedAt
		1,             // isBonded
	}
	secret := []byte{0xAB, 0xCD}
	data := encodeCharacter("Luna", fields, secret)

	sheet, err := decodeCharacterTuple(data)
	require.NoError(t, err)

	assert.Equal(t, "Luna", sheet.Name)
	assert.Equal(t, 2000, sheet.BirthYear)
	assert.Equal(t, int64(31536000*30), sheet.BirthTimestamp)
	assert.Equal(t, 1, sheet.Gender)
	assert.Equal(t, 2, sheet.SexualOrientation)
	assert.Equal(t, 4, sheet.OccupationID)
	assert.Equal(t, 7, sheet.PersonalityID)
	assert.Equal(t, 0, sheet.Language)
	assert.Equal(t, int64(1700000000), sheet.MintedAt)
	assert.True(t, sheet.IsBonded)
	assert.True(t, strings.HasPrefix(sheet.Secret, "abcd"))
	assert.Len(t, sheet.Secret, 64)
}

func TestDecodeCharacterTupleTruncated(t *testing.T) {
	data := encodeCharacter("Luna", [8]uint64{}, nil)
	for _, cut := range []int{0, 16, 64, 320} {
		_, err := decodeCharacterTuple(data[:cut])
		assert.Error(t, err, "cut=%d", cut)
	}
}

func TestMethodSelector(t *testing.T) {
	// Selector must be deterministic and four bytes; the transfer(address,uint256)
	// selector is a well-known reference value.
	sel := methodSelector("transfer(address,uint256)")
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, sel)
	assert.Len(t, methodSelector("getCharacter(uint256)"), 4)
}

func TestEncodeUint256(t *testing.T) {
	w := encodeUint256(42)
	assert.Len(t, w, wordSize)
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(w[wordSize-8:]))
}
