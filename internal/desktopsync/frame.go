// frame.go — 桌面端套接字帧编解码。
//
// 线格式: 4 字节小端长度前缀 + JSON 载荷。
package desktopsync

import (
	"encoding/binary"
	"encoding/json"
	"io"

	apperrors "github.com/multi-agent/codex-relay/pkg/errors"
)

// maxFrameSize 单帧大小上限, 超限视为协议损坏。
const maxFrameSize = 4 << 20

// 消息类型枚举。
const (
	frameRequest           = "request"
	frameResponse          = "response"
	frameBroadcast         = "broadcast"
	frameDiscoveryRequest  = "client-discovery-request"
	frameDiscoveryResponse = "client-discovery-response"
)

// envelope 桌面端消息信封。
//
// request/response 用于 initialize 握手, broadcast 携带客户端 id
// 与该方法固定的整数版本号。Error 非空表示 response 失败。
type envelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Method   string `json:"method,omitempty"`
	Version  int    `json:"version,omitempty"`
	Params   any    `json:"params,omitempty"`
	Error    string `json:"error,omitempty"`
}

// decodeEnvelope 解析一帧信封。
func decodeEnvelope(raw json.RawMessage) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, apperrors.Wrap(err, "desktopsync.decodeEnvelope", "unmarshal envelope")
	}
	return env, nil
}

// writeFrame 编码并写出一帧。
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, "desktopsync.writeFrame", "marshal payload")
	}
	if len(payload) > maxFrameSize {
		return apperrors.Newf("desktopsync.writeFrame", "frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return apperrors.Wrap(err, "desktopsync.writeFrame", "write header")
	}
	if _, err := w.Write(payload); err != nil {
		return apperrors.Wrap(err, "desktopsync.writeFrame", "write payload")
	}
	return nil
}

// readFrame 读取一帧原始 JSON。
func readFrame(r io.Reader) (json.RawMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 {
		return json.RawMessage{}, nil
	}
	if size > maxFrameSize {
		return nil, apperrors.Newf("desktopsync.readFrame", "frame too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
