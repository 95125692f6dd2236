package serial

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		claim []byte
		sig   []byte
	}{
		{"simple", []byte("alice:2026-11-17"), []byte{0xde, 0xad, 0xbe, 0xef}},
		{"claim contains dots", []byte("a.b.c:2026-01-01"), []byte(".")},
		{"claim contains nul", []byte{'x', 0, 'y'}, bytes.Repeat([]byte{0}, 256)},
		{"single bytes", []byte{1}, []byte{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Encode(tt.claim, tt.sig)
			require.NoError(t, err)
			assert.NotContains(t, token, "=")
			assert.NotContains(t, token, "+")
			assert.NotContains(t, token, "/")

			claim, sig, err := Decode(token)
			require.NoError(t, err)
			assert.Equal(t, tt.claim, claim)
			assert.Equal(t, tt.sig, sig)
		})
	}
}

func TestDecode_AcceptsPaddingAndWhitespace(t *testing.T) {
	frame := []byte{FrameVersion, 0, 2, 'o', 'k', 's'}
	padded := base64.URLEncoding.EncodeToString(append(frame, 'x'))

	claim, sig, err := Decode("  " + padded + "\n")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), claim)
	assert.Equal(t, []byte("sx"), sig)
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(nil, []byte{1})
	assert.Error(t, err)

	_, err = Encode([]byte("c"), nil)
	assert.Error(t, err)

	_, err = Encode(make([]byte, 1<<16), []byte{1})
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not base64", "!!!not-base64!!!"},
		{"std alphabet", "ab+/cd"},
		{"truncated header", enc([]byte{FrameVersion, 0})},
		{"unknown version", enc([]byte{0x02, 0, 1, 'a', 'b'})},
		{"zero claim length", enc([]byte{FrameVersion, 0, 0, 'a'})},
		{"claim length past end", enc([]byte{FrameVersion, 0, 9, 'a', 'b'})},
		{"no signature", enc([]byte{FrameVersion, 0, 2, 'a', 'b'})},
		{"legacy dotted format", "YWxpY2U6MjAyNi0wMS0wMQ.c2ln"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim, sig, err := Decode(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSerial))

			var mse *MalformedSerialError
			assert.True(t, errors.As(err, &mse))
			assert.Nil(t, claim)
			assert.Nil(t, sig)
		})
	}
}

func FuzzDecode(f *testing.F) {
	valid, _ := Encode([]byte("alice:2026-11-17"), []byte("signature"))
	f.Add(valid)
	f.Add("")
	f.Add("AQAB")
	f.Add("====")

	f.Fuzz(func(t *testing.T, token string) {
		claim, sig, err := Decode(token)
		if err != nil {
			if !errors.Is(err, ErrMalformedSerial) {
				t.Fatalf("Decode(%q) error %v is not ErrMalformedSerial", token, err)
			}
			if claim != nil || sig != nil {
				t.Fatalf("Decode(%q) returned partial data with error", token)
			}
			return
		}
		if len(claim) == 0 || len(sig) == 0 {
			t.Fatalf("Decode(%q) returned empty part without error", token)
		}
		again, err := Encode(claim, sig)
		if err != nil {
			t.Fatalf("Encode after Decode: %v", err)
		}
		c2, s2, err := Decode(again)
		if err != nil || !bytes.Equal(c2, claim) || !bytes.Equal(s2, sig) {
			t.Fatalf("re-encoded token does not round trip")
		}
	})
}
