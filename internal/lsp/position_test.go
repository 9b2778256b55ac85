package lsp

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	grinning = "\U0001F600" // 4 bytes, 2 UTF-16 units
	nihongo  = "日本語"
)

func TestUTF16LenForString(t *testing.T) {
	tests := []struct {
		s        string
		expected int
	}{
		{"", 0},
		{"hello", 5},
		{nihongo, 3},
		{grinning, 2},
		{"a" + grinning + "b", 4},
		{"hello" + grinning + "world", 12},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, utf16LenForString(tt.s), "utf16LenForString(%q)", tt.s)
	}
}

func TestColumnToByteOffset(t *testing.T) {
	s := "a" + grinning + "b"

	tests := []struct {
		name   string
		enc    PositionEncoding
		col    int
		want   int
		wantOK bool
	}{
		{"utf16 start", PositionEncodingUTF16, 0, 0, true},
		{"utf16 after a", PositionEncodingUTF16, 1, 1, true},
		{"utf16 inside surrogate pair", PositionEncodingUTF16, 2, 5, true},
		{"utf16 after emoji", PositionEncodingUTF16, 3, 5, true},
		{"utf16 end", PositionEncodingUTF16, 4, 6, true},
		{"utf16 past end", PositionEncodingUTF16, 5, 6, false},
		{"utf8 after emoji", PositionEncodingUTF8, 5, 5, true},
		{"utf8 past end", PositionEncodingUTF8, 7, 6, false},
		{"utf32 after emoji", PositionEncodingUTF32, 2, 5, true},
		{"utf32 end", PositionEncodingUTF32, 3, 6, true},
		{"utf32 past end", PositionEncodingUTF32, 4, 6, false},
		{"empty encoding is utf16", "", 3, 5, true},
		{"negative", PositionEncodingUTF16, -1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ColumnToByteOffset(s, tt.col, tt.enc)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestColumnLength(t *testing.T) {
	s := "x" + nihongo + grinning
	assert.Equal(t, len(s), ColumnLength(s, PositionEncodingUTF8))
	assert.Equal(t, 1+3+2, ColumnLength(s, PositionEncodingUTF16))
	assert.Equal(t, 1+3+1, ColumnLength(s, PositionEncodingUTF32))
}

func TestByteOffsetToColumn(t *testing.T) {
	s := "a" + grinning + "b"
	assert.Equal(t, 0, ByteOffsetToColumn(s, 0, PositionEncodingUTF16))
	assert.Equal(t, 3, ByteOffsetToColumn(s, 5, PositionEncodingUTF16))
	assert.Equal(t, 2, ByteOffsetToColumn(s, 5, PositionEncodingUTF32))
	assert.Equal(t, 5, ByteOffsetToColumn(s, 5, PositionEncodingUTF8))
	assert.Equal(t, 4, ByteOffsetToColumn(s, 100, PositionEncodingUTF16))
}

func TestColumnRoundTripProperty(t *testing.T) {
	encodings := []PositionEncoding{PositionEncodingUTF8, PositionEncodingUTF16, PositionEncodingUTF32}

	rapid.Check(t, func(t *rapid.T) {
		runes := rapid.SliceOf(rapid.RuneFrom([]rune{'a', ' ', '\u00e9', '\u65e5', '\U0001F600'})).Draw(t, "runes")
		line := string(runes)
		enc := rapid.SampledFrom(encodings).Draw(t, "enc")

		// Every rune boundary survives byte -> column -> byte.
		for off := 0; off <= len(line); {
			col := ByteOffsetToColumn(line, off, enc)
			back, ok := ColumnToByteOffset(line, col, enc)
			require.True(t, ok)
			require.Equal(t, off, back)
			if off == len(line) {
				break
			}
			_, size := utf8.DecodeRuneInString(line[off:])
			off += size
		}

		_, ok := ColumnToByteOffset(line, ColumnLength(line, enc)+1, enc)
		require.False(t, ok)
	})
}
