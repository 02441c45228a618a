package websocket

import "encoding/json"

type OutgoingMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// IncomingMessage 客户端上行消息；From 由服务端按连接身份填写
type IncomingMessage struct {
	From  string          `json:"-"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
