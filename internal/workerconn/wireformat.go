package workerconn

import (
	"encoding/json"

	"github.com/jeremyot/toto/internal/wire"
)

// requestFrame is the {method, params} body spec §4.5 step 2 encodes
// with the configured serializer + compressor before emitting it to
// an endpoint.
type requestFrame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func encodeRequest(ser wire.Serializer, comp wire.Compressor, method string, paramsBody []byte) ([]byte, error) {
	body, err := ser.Encode(requestFrame{Method: method, Params: paramsBody})
	if err != nil {
		return nil, err
	}
	return comp.Compress(body)
}

// DecodeRequest is the worker-side counterpart to encodeRequest,
// exported so internal/workersvc can decode what a WorkerConn sent
// without duplicating the {method, params} wire shape.
func DecodeRequest(ser wire.Serializer, comp wire.Compressor, data []byte) (string, []byte, error) {
	body, err := comp.Decompress(data)
	if err != nil {
		return "", nil, err
	}
	var frame requestFrame
	if err := ser.Decode(body, &frame); err != nil {
		return "", nil, err
	}
	return frame.Method, frame.Params, nil
}

func decodeReplyInto(ser wire.Serializer, comp wire.Compressor, data []byte, dest any) error {
	body, err := comp.Decompress(data)
	if err != nil {
		return err
	}
	return ser.Decode(body, dest)
}
