package serialization

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

// JSONEncoder returns an Encoder writing JSON to w.
func JSONEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

// JSONDecoder returns a Decoder reading JSON from r. Unknown object fields are rejected so that a
// value cached under another type fails loudly.
func JSONDecoder(r io.Reader) Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec
}

// GobEncoder returns an Encoder writing gob to w. Every value carries its own type information.
func GobEncoder(w io.Writer) Encoder {
	return gob.NewEncoder(w)
}

// GobDecoder returns a Decoder reading gob from r.
func GobDecoder(r io.Reader) Decoder {
	return gob.NewDecoder(r)
}
