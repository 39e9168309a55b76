package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// Encoding names the byte-to-text encoding used to interpret an entry value.
// CodePage is the numeric identifier written into persisted file names.
type Encoding struct {
	Name     string
	CodePage int

	enc encoding.Encoding
}

var (
	UTF8        = Encoding{Name: "utf-8", CodePage: 65001, enc: unicode.UTF8}
	UTF16LE     = Encoding{Name: "utf-16", CodePage: 1200, enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}
	UTF16BE     = Encoding{Name: "utf-16be", CodePage: 1201, enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)}
	UTF32LE     = Encoding{Name: "utf-32", CodePage: 12000, enc: utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)}
	Latin1      = Encoding{Name: "iso-8859-1", CodePage: 28591, enc: charmap.ISO8859_1}
	Windows1252 = Encoding{Name: "windows-1252", CodePage: 1252, enc: charmap.Windows1252}
)

var knownEncodings = []Encoding{UTF8, UTF16LE, UTF16BE, UTF32LE, Latin1, Windows1252}

// EncodingByCodePage looks up a built-in encoding by its code page.
func EncodingByCodePage(codePage int) (Encoding, error) {
	for _, e := range knownEncodings {
		if e.CodePage == codePage {
			return e, nil
		}
	}
	return Encoding{}, fmt.Errorf("unsupported code page: %d", codePage)
}

// EncodingByName looks up a built-in encoding by name, ignoring case.
func EncodingByName(name string) (Encoding, error) {
	for _, e := range knownEncodings {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return Encoding{}, fmt.Errorf("unsupported encoding: %s", name)
}

// Encode converts text into bytes. The zero Encoding behaves as UTF-8.
func (e Encoding) Encode(text string) ([]byte, error) {
	if e.enc == nil {
		return []byte(text), nil
	}
	return e.enc.NewEncoder().Bytes([]byte(text))
}

// Decode converts bytes into text. The zero Encoding behaves as UTF-8.
func (e Encoding) Decode(value []byte) (string, error) {
	if e.enc == nil {
		return string(value), nil
	}
	b, err := e.enc.NewDecoder().Bytes(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsZero reports whether no encoding has been set.
func (e Encoding) IsZero() bool {
	return e.enc == nil && e.CodePage == 0
}

func (e Encoding) String() string {
	return e.Name
}
