// Package protocol implements the client/server wire format.
//
// Every message is a frame: a big-endian uint16 payload length followed by
// the payload. Request payloads start with a uint16 kind, response payloads
// with a one-byte kind; an empty request frame is an acknowledge.
//
//	codec := protocol.BinaryCodec{}
//	req, err := codec.ReadRequest(conn)
//	if err != nil {
//		return err // transport failure
//	}
//	if bad, ok := req.(protocol.ErrorRequest); ok {
//		return codec.WriteResponse(conn, protocol.ErrorResponse{Message: bad.Message})
//	}
//
// Frames carry at most MaxPayload bytes; larger responses are refused with
// errors.ErrPayloadTooLarge before anything is written.
package protocol
