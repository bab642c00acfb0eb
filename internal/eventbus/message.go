package eventbus

import "github.com/jeremyot/toto/internal/wire"

// Message is the event envelope from spec §3/§4.4: {name, args}.
type Message struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

func encodeMessage(ser wire.Serializer, comp wire.Compressor, msg Message) ([]byte, error) {
	body, err := ser.Encode(msg)
	if err != nil {
		return nil, err
	}
	return comp.Compress(body)
}

func decodeMessage(ser wire.Serializer, comp wire.Compressor, data []byte) (Message, error) {
	var msg Message
	body, err := comp.Decompress(data)
	if err != nil {
		return msg, err
	}
	err = ser.Decode(body, &msg)
	return msg, err
}
