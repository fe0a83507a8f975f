package wire

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Message is the decoded form of one frame: either a command envelope or
// a data envelope. Exactly one of the two groups of fields is
// meaningful, selected by IsData.
type Message struct {
	IsData bool

	// Populated when !IsData.
	Command Command
	Content json.RawMessage

	// Populated when IsData.
	Path  string
	Size  uint64
	MTime int64
	Data  []byte
}

type commandEnvelope struct {
	Type    string          `json:"type"`
	Command Command         `json:"command"`
	Content json.RawMessage `json:"content"`
}

type dataEnvelope struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Size    uint64 `json:"size"`
	MTime   int64  `json:"mTime"`
	Content string `json:"content"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// ErrUnknownFrameType is returned when an envelope's "type" field is
// neither "command" nor "data": a protocol violation that Conn.ReadMessage
// logs and drops without closing the connection.
var ErrUnknownFrameType = errors.New("wire: unknown frame type")

// decodeMessage parses one frame payload into a Message.
func decodeMessage(payload []byte) (Message, error) {
	var t typeOnly
	if err := json.Unmarshal(payload, &t); err != nil {
		return Message{}, errors.Wrap(err, "wire: decoding envelope type")
	}
	switch t.Type {
	case "command":
		var env commandEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Message{}, errors.Wrap(err, "wire: decoding command envelope")
		}
		return Message{Command: env.Command, Content: env.Content}, nil
	case "data":
		var env dataEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Message{}, errors.Wrap(err, "wire: decoding data envelope")
		}
		data, err := base64.StdEncoding.DecodeString(env.Content)
		if err != nil {
			return Message{}, errors.Wrap(err, "wire: decoding base64 block")
		}
		return Message{IsData: true, Path: env.Path, Size: env.Size, MTime: env.MTime, Data: data}, nil
	default:
		return Message{}, errors.Wrapf(ErrUnknownFrameType, "%q", t.Type)
	}
}

func encodeCommand(cmd Command, content interface{}) ([]byte, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encoding command content")
	}
	return json.Marshal(commandEnvelope{Type: "command", Command: cmd, Content: contentJSON})
}

func encodeData(path string, size uint64, mtime int64, block []byte) ([]byte, error) {
	return json.Marshal(dataEnvelope{
		Type:    "data",
		Path:    path,
		Size:    size,
		MTime:   mtime,
		Content: base64.StdEncoding.EncodeToString(block),
	})
}

// DecodeContent unmarshals a command's raw JSON content into dst. DELETE
// carries a bare path string as content; every other command carries a
// JSON object, so dst should be a pointer to string for DELETE and a
// pointer to the matching *Content struct otherwise.
func DecodeContent(content json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(content, dst); err != nil {
		return errors.Wrap(err, "wire: decoding command content")
	}
	return nil
}
