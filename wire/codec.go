package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ErrFileNameContainsCRLF is returned by EncodeWrite when the file name
// contains the Write body's CRLF delimiter and therefore cannot be
// represented in this wire version (spec.md §9, Open Question #3).
var ErrFileNameContainsCRLF = fmt.Errorf("wire: file name contains CRLF delimiter")

// ErrBodyTooLarge is returned when a body would exceed MaxBodyLength.
var ErrBodyTooLarge = fmt.Errorf("wire: body exceeds maximum length %d", MaxBodyLength)

// Encode serialises a Message to its wire representation. It is total for
// every opcode with a body not exceeding MaxBodyLength bytes.
func Encode(msg Message) ([]byte, error) {
	if uint64(len(msg.Body)) > MaxBodyLength {
		return nil, ErrBodyTooLarge
	}

	out := make([]byte, HeaderLength+len(msg.Body))
	out[0] = byte(msg.Opcode)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(msg.Body)))
	copy(out[HeaderLength:], msg.Body)
	return out, nil
}

// EncodeEstablishConnection builds an EstablishConnection message body:
// 1 byte node id followed by the UTF-8 password.
func EncodeEstablishConnection(nodeID byte, password string) Message {
	body := make([]byte, 1+len(password))
	body[0] = nodeID
	copy(body[1:], password)
	return Message{Opcode: OpEstablishConnection, Body: body}
}

// DecodeEstablishConnection parses an EstablishConnection body.
func DecodeEstablishConnection(body []byte) (EstablishConnectionBody, error) {
	if len(body) < 1 {
		return EstablishConnectionBody{}, fmt.Errorf("wire: EstablishConnection body too short")
	}
	return EstablishConnectionBody{
		NodeID:   body[0],
		Password: string(body[1:]),
	}, nil
}

// encodeRequestReply builds a Request/Reply body: 8-byte LE timestamp
// followed by the UTF-8 file name.
func encodeRequestReply(op Opcode, timestamp uint64, fileName string) Message {
	body := make([]byte, TimestampLength+len(fileName))
	binary.LittleEndian.PutUint64(body[:TimestampLength], timestamp)
	copy(body[TimestampLength:], fileName)
	return Message{Opcode: op, Body: body}
}

// EncodeRequest builds a Request message.
func EncodeRequest(timestamp uint64, fileName string) Message {
	return encodeRequestReply(OpRequest, timestamp, fileName)
}

// EncodeReply builds a Reply message.
func EncodeReply(timestamp uint64, fileName string) Message {
	return encodeRequestReply(OpReply, timestamp, fileName)
}

// DecodeRequestReply parses a Request or Reply body.
func DecodeRequestReply(body []byte) (RequestReplyBody, error) {
	if len(body) < TimestampLength {
		return RequestReplyBody{}, fmt.Errorf("wire: Request/Reply body too short")
	}
	return RequestReplyBody{
		Timestamp: binary.LittleEndian.Uint64(body[:TimestampLength]),
		FileName:  string(body[TimestampLength:]),
	}, nil
}

// EncodeWrite builds a Write message: file name, CRLF, line.
func EncodeWrite(fileName, line string) (Message, error) {
	if bytes.Contains([]byte(fileName), crlf[:]) {
		return Message{}, ErrFileNameContainsCRLF
	}
	body := make([]byte, 0, len(fileName)+2+len(line))
	body = append(body, fileName...)
	body = append(body, crlf[:]...)
	body = append(body, line...)
	return Message{Opcode: OpWrite, Body: body}, nil
}

// DecodeWrite parses a Write body.
func DecodeWrite(body []byte) (WriteBody, error) {
	idx := bytes.Index(body, crlf[:])
	if idx < 0 {
		return WriteBody{}, fmt.Errorf("wire: Write body missing CRLF delimiter")
	}
	return WriteBody{
		FileName: string(body[:idx]),
		Line:     string(body[idx+2:]),
	}, nil
}

// EncodeRead builds a Read message carrying a bare UTF-8 file name.
func EncodeRead(fileName string) Message {
	return Message{Opcode: OpRead, Body: []byte(fileName)}
}

// EncodeResponse builds a Response message carrying UTF-8 text.
func EncodeResponse(text string) Message {
	return Message{Opcode: OpResponse, Body: []byte(text)}
}

// EncodeFileTransfer builds a FileTransfer header message naming the
// transferred file; the body is UTF-8 text, empty permitted.
func EncodeFileTransfer(name string) Message {
	return Message{Opcode: OpFileTransfer, Body: []byte(name)}
}

// EncodeTransmitData builds a TransmitData frame carrying a raw chunk.
func EncodeTransmitData(chunk []byte) Message {
	return Message{Opcode: OpTransmitData, Body: chunk}
}

// Empty-bodied messages permitted by spec.md §8.
func EncodeOk() Message       { return Message{Opcode: OpOk} }
func EncodeEnquiry() Message  { return Message{Opcode: OpEnquiry} }
func EncodeFinished() Message { return Message{Opcode: OpFinished} }
func EncodeError(text string) Message {
	return Message{Opcode: OpError, Body: []byte(text)}
}
func EncodeShutdown() Message { return Message{Opcode: OpShutdown} }
