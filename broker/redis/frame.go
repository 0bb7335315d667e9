package redis

import (
	"github.com/vmihailenco/msgpack/v5"
)

// frame is the pub/sub payload. Redis pub/sub has no fields, so the key
// travels with the value; msgpack keeps the value bytes unencoded.
type frame struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

func encodeFrame(key string, value []byte) ([]byte, error) {
	return msgpack.Marshal(frame{Key: key, Value: value})
}

func decodeFrame(data []byte) (string, []byte, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return "", nil, err
	}
	return f.Key, f.Value, nil
}
