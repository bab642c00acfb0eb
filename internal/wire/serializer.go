package wire

import "encoding/json"

// Serializer is the pluggable encode/decode strategy from spec §4 —
// JSON ships by default. The interface is deliberately narrow (bytes
// in, bytes out, MIME type for the HTTP Content-Type header) so a
// BSON or MsgPack implementation is a drop-in addition; none ships
// here because no BSON/MsgPack library is a dependency anywhere in
// the example pack this repo was grounded on.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	MimeType() string
}

// JSONSerializer is the default and only built-in Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONSerializer) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONSerializer) MimeType() string { return "application/json" }
