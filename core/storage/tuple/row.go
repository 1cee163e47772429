// Package tuple defines the sample fixed-width row codec the engine's
// callers use until a real catalog exists. The index stores opaque byte
// strings; Row supplies the canonical encoding and key extraction for
// the classic {id, username, email} row.
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// UsernameSize and EmailSize are the fixed column widths. Shorter
	// strings are zero-padded; the padding is stripped on decode.
	UsernameSize = 32
	EmailSize    = 255

	// RowSize is the encoded width: id u32 + username + email.
	RowSize = 4 + UsernameSize + EmailSize

	// KeySize is the width of an extracted row key.
	KeySize = 4
)

var (
	ErrUsernameTooLong = errors.New("username exceeds column width")
	ErrEmailTooLong    = errors.New("email exceeds column width")
	ErrNotARow         = errors.New("value is not an encoded row")
)

// Row is one record of the sample table.
type Row struct {
	ID       uint32
	Username string
	Email    string
}

// Key returns the row's index key: the id in big-endian order, so
// byte-wise comparison matches numeric order.
func (r Row) Key() []byte {
	key := make([]byte, KeySize)
	binary.BigEndian.PutUint32(key, r.ID)
	return key
}

// Encode serializes the row into its fixed-width form.
func (r Row) Encode() ([]byte, error) {
	if len(r.Username) > UsernameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrUsernameTooLong, len(r.Username))
	}
	if len(r.Email) > EmailSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEmailTooLong, len(r.Email))
	}
	buf := make([]byte, RowSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.ID)
	copy(buf[4:4+UsernameSize], r.Username)
	copy(buf[4+UsernameSize:], r.Email)
	return buf, nil
}

// Decode parses a fixed-width row produced by Encode.
func Decode(buf []byte) (Row, error) {
	if len(buf) != RowSize {
		return Row{}, fmt.Errorf("%w: %d bytes, want %d", ErrNotARow, len(buf), RowSize)
	}
	return Row{
		ID:       binary.LittleEndian.Uint32(buf[0:4]),
		Username: string(bytes.TrimRight(buf[4:4+UsernameSize], "\x00")),
		Email:    string(bytes.TrimRight(buf[4+UsernameSize:], "\x00")),
	}, nil
}
