package proto

import "github.com/marmos91/roost/internal/protocol/codec"

// Stat carries per-node metadata returned by read operations.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Version        int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

func (r *Stat) Tag() string { return "stat" }

func (r *Stat) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteLong(r.Czxid); err != nil {
		return err
	}
	if err := enc.WriteLong(r.Mzxid); err != nil {
		return err
	}
	if err := enc.WriteInt(r.Version); err != nil {
		return err
	}
	if err := enc.WriteLong(r.EphemeralOwner); err != nil {
		return err
	}
	if err := enc.WriteInt(r.DataLength); err != nil {
		return err
	}
	if err := enc.WriteInt(r.NumChildren); err != nil {
		return err
	}
	return enc.WriteLong(r.Pzxid)
}

func (r *Stat) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Czxid, err = dec.ReadLong(); err != nil {
		return err
	}
	if r.Mzxid, err = dec.ReadLong(); err != nil {
		return err
	}
	if r.Version, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.EphemeralOwner, err = dec.ReadLong(); err != nil {
		return err
	}
	if r.DataLength, err = dec.ReadInt(); err != nil {
		return err
	}
	if r.NumChildren, err = dec.ReadInt(); err != nil {
		return err
	}
	r.Pzxid, err = dec.ReadLong()
	return err
}

// CreateRequest creates a node at Path. FlagEphemeral binds the node's
// lifetime to the creating session.
type CreateRequest struct {
	Path  string
	Data  []byte
	Flags int32
}

func (r *CreateRequest) Tag() string { return "create" }

func (r *CreateRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	if err := enc.WriteBuffer(r.Data); err != nil {
		return err
	}
	return enc.WriteInt(r.Flags)
}

func (r *CreateRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	if r.Data, err = dec.ReadBuffer(); err != nil {
		return err
	}
	r.Flags, err = dec.ReadInt()
	return err
}

type CreateResponse struct {
	Path string
}

func (r *CreateResponse) Tag() string { return "create" }

func (r *CreateResponse) Serialize(enc *codec.Encoder) error {
	return enc.WriteString(r.Path)
}

func (r *CreateResponse) Deserialize(dec *codec.Decoder) error {
	var err error
	r.Path, err = dec.ReadString()
	return err
}

// DeleteRequest removes a node if Version matches (-1 matches any).
type DeleteRequest struct {
	Path    string
	Version int32
}

func (r *DeleteRequest) Tag() string { return "delete" }

func (r *DeleteRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	return enc.WriteInt(r.Version)
}

func (r *DeleteRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	r.Version, err = dec.ReadInt()
	return err
}

// ExistsRequest checks a node, optionally leaving a watch.
type ExistsRequest struct {
	Path  string
	Watch bool
}

func (r *ExistsRequest) Tag() string { return "exists" }

func (r *ExistsRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	return enc.WriteBool(r.Watch)
}

func (r *ExistsRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	r.Watch, err = dec.ReadBool()
	return err
}

type ExistsResponse struct {
	Stat Stat
}

func (r *ExistsResponse) Tag() string { return "exists" }

func (r *ExistsResponse) Serialize(enc *codec.Encoder) error {
	return enc.WriteRecord(&r.Stat)
}

func (r *ExistsResponse) Deserialize(dec *codec.Decoder) error {
	return dec.ReadRecord(&r.Stat)
}

type GetDataRequest struct {
	Path  string
	Watch bool
}

func (r *GetDataRequest) Tag() string { return "getData" }

func (r *GetDataRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	return enc.WriteBool(r.Watch)
}

func (r *GetDataRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	r.Watch, err = dec.ReadBool()
	return err
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

func (r *GetDataResponse) Tag() string { return "getData" }

func (r *GetDataResponse) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteBuffer(r.Data); err != nil {
		return err
	}
	return enc.WriteRecord(&r.Stat)
}

func (r *GetDataResponse) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Data, err = dec.ReadBuffer(); err != nil {
		return err
	}
	return dec.ReadRecord(&r.Stat)
}

// SetDataRequest replaces a node's data if Version matches (-1 matches any).
type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (r *SetDataRequest) Tag() string { return "setData" }

func (r *SetDataRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	if err := enc.WriteBuffer(r.Data); err != nil {
		return err
	}
	return enc.WriteInt(r.Version)
}

func (r *SetDataRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	if r.Data, err = dec.ReadBuffer(); err != nil {
		return err
	}
	r.Version, err = dec.ReadInt()
	return err
}

type SetDataResponse struct {
	Stat Stat
}

func (r *SetDataResponse) Tag() string { return "setData" }

func (r *SetDataResponse) Serialize(enc *codec.Encoder) error {
	return enc.WriteRecord(&r.Stat)
}

func (r *SetDataResponse) Deserialize(dec *codec.Decoder) error {
	return dec.ReadRecord(&r.Stat)
}

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

func (r *GetChildrenRequest) Tag() string { return "getChildren" }

func (r *GetChildrenRequest) Serialize(enc *codec.Encoder) error {
	if err := enc.WriteString(r.Path); err != nil {
		return err
	}
	return enc.WriteBool(r.Watch)
}

func (r *GetChildrenRequest) Deserialize(dec *codec.Decoder) error {
	var err error
	if r.Path, err = dec.ReadString(); err != nil {
		return err
	}
	r.Watch, err = dec.ReadBool()
	return err
}

type GetChildrenResponse struct {
	Children []string
}

func (r *GetChildrenResponse) Tag() string { return "getChildren" }

func (r *GetChildrenResponse) Serialize(enc *codec.Encoder) error {
	return enc.WriteVector(r.Children)
}

func (r *GetChildrenResponse) Deserialize(dec *codec.Decoder) error {
	var err error
	r.Children, err = dec.ReadVector()
	return err
}
