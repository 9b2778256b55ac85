package lsp

import (
	"unicode/utf8"
)

// Servers count character offsets in the negotiated position encoding,
// while tokens address lines by byte offset. The helpers below translate
// between the two for a single line of text.

// ColumnLength returns the length of line measured in enc units.
func ColumnLength(line string, enc PositionEncoding) int {
	switch enc {
	case PositionEncodingUTF8:
		return len(line)
	case PositionEncodingUTF32:
		return utf8.RuneCountInString(line)
	default:
		return utf16LenForString(line)
	}
}

// ColumnToByteOffset converts a column measured in enc units to a byte
// offset within line. It reports false when col lies past the end of the
// line. A column that falls inside a multi-unit character snaps to the
// start of the next character.
func ColumnToByteOffset(line string, col int, enc PositionEncoding) (int, bool) {
	if col < 0 {
		return 0, false
	}
	switch enc {
	case PositionEncodingUTF8:
		if col > len(line) {
			return len(line), false
		}
		return col, true
	case PositionEncodingUTF32:
		n := 0
		for i := range line {
			if n == col {
				return i, true
			}
			n++
		}
		if n == col {
			return len(line), true
		}
		return len(line), false
	default:
		if col > utf16LenForString(line) {
			return len(line), false
		}
		return utf16ToByteOffset(line, col), true
	}
}

// ByteOffsetToColumn converts a byte offset within line to a column
// measured in enc units.
func ByteOffsetToColumn(line string, off int, enc PositionEncoding) int {
	if off <= 0 {
		return 0
	}
	if off > len(line) {
		off = len(line)
	}
	switch enc {
	case PositionEncodingUTF8:
		return off
	case PositionEncodingUTF32:
		return utf8.RuneCountInString(line[:off])
	default:
		return byteToUTF16Offset(line, off)
	}
}

// --- UTF-16 conversion helpers ---

// utf16LenForString returns the length in UTF-16 code units.
func utf16LenForString(s string) int {
	count := 0
	for _, r := range s {
		if r >= 0x10000 {
			count += 2 // Surrogate pair
		} else {
			count++
		}
	}
	return count
}

// byteToUTF16Offset converts a byte offset within a string to UTF-16 offset.
func byteToUTF16Offset(s string, byteOff int) int {
	if byteOff <= 0 {
		return 0
	}
	if byteOff >= len(s) {
		return utf16LenForString(s)
	}

	utf16Off := 0
	for i, r := range s {
		if i >= byteOff {
			break
		}
		if r >= 0x10000 {
			utf16Off += 2
		} else {
			utf16Off++
		}
	}
	return utf16Off
}

// utf16ToByteOffset converts a UTF-16 offset to byte offset within a string.
func utf16ToByteOffset(s string, utf16Off int) int {
	if utf16Off <= 0 {
		return 0
	}

	utf16Count := 0
	for i, r := range s {
		if utf16Count >= utf16Off {
			return i
		}
		if r >= 0x10000 {
			utf16Count += 2
		} else {
			utf16Count++
		}
	}
	return len(s)
}
