package rest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec 请求/响应体编解码
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON 注册中心与配置中心使用的编码
	JSON Codec = jsonCodec{}
	// Msgpack 用于对端声明 application/msgpack 的 RPC 调用
	Msgpack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) ContentType() string { return "application/msgpack" }

// Marshal 使用 json tag 作为字段名，与 JSON 编码的字段保持一致
func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// CodecFor 按 Content-Type 选择编解码器，未知类型返回 JSON
func CodecFor(contentType string) Codec {
	if strings.HasPrefix(contentType, Msgpack.ContentType()) {
		return Msgpack
	}
	return JSON
}
