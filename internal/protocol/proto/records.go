// Package proto defines the wire records exchanged between clients and the
// front-end. Every message on the wire is a 4-byte big-endian length
// followed by one of these records, serialised with internal/protocol/codec.
package proto

import "github.com/marmos91/roost/internal/protocol/codec"

// ConnectRequest is the body of the first frame a client sends.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectRequest) Tag() string { return "connect" }

func (r *ConnectRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.ProtocolVersion); err != nil {
		return err
	}
	if err := enc.WriteLong(r.LastZxidSeen); err != nil {
		return err
	}
	if err := enc.WriteInt(r.Timeout); err != nil {
		return err
	}
	if err := enc.WriteLong(r.SessionID); err != nil {
		return err
	}
	return enc.WriteBuffer(r.Passwd)
}

func (r *ConnectRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.ProtocolVersion, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.LastZxidSeen, err = dec.ReadLong(); err != nil {
		return err
	}
	if r.Timeout, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.SessionID, err = dec.ReadLong(); err != nil {
		return err
	}
	r.Passwd, err = dec.ReadBuffer()
	return err
}

// ConnectResponse is the body of the first frame the server sends back.
// On refusal the timeout, session id and password are zeroed.
type ConnectResponse struct {
	ProtocolVersion int32
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectResponse) Tag() string { return "connect" }

func (r *ConnectResponse) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.ProtocolVersion); err != nil {
		return err
	}
	if err := enc.WriteInt(r.Timeout); err != nil {
		return err
	}
	if err := enc.WriteLong(r.SessionID); err != nil {
		return err
	}
	return enc.WriteBuffer(r.Passwd)
}

func (r *ConnectResponse) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.ProtocolVersion, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.Timeout, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.SessionID, err = dec.ReadLong(); err != nil {
		return err
	}
	r.Passwd, err = dec.ReadBuffer()
	return err
}

// RequestHeader precedes the body of every post-handshake client frame.
type RequestHeader struct {
	Xid  int32
	Type int32
}

func (r *RequestHeader) Tag() string { return "header" }

func (r *RequestHeader) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.Xid); err != nil {
		return err
	}
	return enc.WriteInt(r.Type)
}

func (r *RequestHeader) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Xid, err = dec.ReadInt(); err != nil {
		return err
	}
	r.Type, err = dec.ReadInt()
	return err
}

// ReplyHeader precedes the body of every post-handshake server frame.
type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  int32
}

func (r *ReplyHeader) Tag() string { return "header" }

func (r *ReplyHeader) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.Xid); err != nil {
		return err
	}
	if err := enc.WriteLong(r.Zxid); err != nil {
		return err
	}
	return enc.WriteInt(r.Err)
}

func (r *ReplyHeader) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Xid, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.Zxid, err = dec.ReadLong(); err != nil {
		return err
	}
	r.Err, err = dec.ReadInt()
	return err
}

// ID is an authenticated identity attached to a connection.
type ID struct {
	Scheme string
	ID     string
}

func (r *ID) Tag() string { return "id" }

func (r *ID) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Scheme); err != nil {
		return err
	}
	return enc.WriteString(r.ID)
}

func (r *ID) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Scheme, err = dec.ReadString(); err != nil {
		return err
	}
	r.ID, err = dec.ReadString()
	return err
}

// AuthPacket is the body of an OpAuth request.
type AuthPacket struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func (r *AuthPacket) Tag() string { return "auth" }

func (r *AuthPacket) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.Type); err != nil {
		return err
	}
	if err := enc.WriteString(r.Scheme); err != nil {
		return err
	}
	return enc.WriteBuffer(r.Auth)
}

func (r *AuthPacket) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Type, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.Scheme, err = dec.ReadString(); err != nil {
		return err
	}
	r.Auth, err = dec.ReadBuffer()
	return err
}

// WatcherEvent is the body of an asynchronous notification frame
// (xid = -1, zxid = -1, err = 0).
type WatcherEvent struct {
	Type  int32
	State int32
	Path  string
}

func (r *WatcherEvent) Tag() string { return "notification" }

func (r *WatcherEvent) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteInt(r.Type); err != nil {
		return err
	}
	if err := enc.WriteInt(r.State); err != nil {
		return err
	}
	return enc.WriteString(r.Path)
}

func (r *WatcherEvent) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Type, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.State, err = dec.ReadInt(); err != nil {
		return err
	}
	r.Path, err = dec.ReadString()
	return err
}
