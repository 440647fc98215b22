// Package wire implements the binary message codec and framer shared by
// every connection in the peer mesh: a 1-byte opcode, a 4-byte little-endian
// body length, and an opcode-specific body.
package wire

import "fmt"

// Opcode identifies the kind of message carried by a frame.
type Opcode byte

const (
	OpOk                  Opcode = 0
	OpError               Opcode = 1
	OpEstablishConnection Opcode = 2
	OpResponse            Opcode = 3
	OpFileTransfer        Opcode = 4
	OpTransmitData        Opcode = 5
	OpFinished            Opcode = 6
	OpEnquiry             Opcode = 7
	OpRead                Opcode = 8
	OpWrite               Opcode = 9
	OpRequest             Opcode = 100
	OpReply               Opcode = 101
	OpShutdown            Opcode = 200
)

func (o Opcode) String() string {
	switch o {
	case OpOk:
		return "Ok"
	case OpError:
		return "Error"
	case OpEstablishConnection:
		return "EstablishConnection"
	case OpResponse:
		return "Response"
	case OpFileTransfer:
		return "FileTransfer"
	case OpTransmitData:
		return "TransmitData"
	case OpFinished:
		return "Finished"
	case OpEnquiry:
		return "Enquiry"
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpRequest:
		return "Request"
	case OpReply:
		return "Reply"
	case OpShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(o))
	}
}

// MaxBodyLength is the largest body the 32-bit length field can represent.
const MaxBodyLength = 1<<32 - 1

// HeaderLength is the fixed size, in bytes, of the opcode+length header.
const HeaderLength = 1 + 4

// TimestampLength is the width, in bytes, of the Lamport timestamp carried
// by Request and Reply bodies. Documented in spec.md §4.1 as the machine
// word size; this implementation fixes it at 8 bytes (a 64-bit build) for
// cross-node interoperability.
const TimestampLength = 8

// crlf is the two-byte delimiter separating a Write body's file name from
// its line payload. File names may not contain this sequence (spec.md §9).
var crlf = [2]byte{'\r', '\n'}

// Message is a decoded (opcode, body) pair.
type Message struct {
	Opcode Opcode
	Body   []byte
}

// EstablishConnectionBody is the parsed form of an EstablishConnection body.
type EstablishConnectionBody struct {
	NodeID   byte
	Password string
}

// RequestReplyBody is the parsed form of a Request or Reply body.
type RequestReplyBody struct {
	Timestamp uint64
	FileName  string
}

// WriteBody is the parsed form of a Write body.
type WriteBody struct {
	FileName string
	Line     string
}
