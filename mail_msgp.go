package seal

import (
	"github.com/tinylib/msgp/msgp"
)

// MessagePack encoding of Mail, used to hand signed messages to a spool.
// Maps are keyed by the msg struct tags; unknown keys are skipped.

var (
	_ msgp.Marshaler   = (*Mail)(nil)
	_ msgp.Unmarshaler = (*Mail)(nil)
	_ msgp.Sizer       = (*Mail)(nil)
)

// MarshalMsg appends the MessagePack encoding of m to b.
func (m *Mail) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, m.Msgsize())
	o = msgp.AppendMapHeader(o, 4)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, m.ID)
	o = msgp.AppendString(o, "created_at")
	o = msgp.AppendTime(o, m.CreatedAt)

	o = msgp.AppendString(o, "envelope")
	o = msgp.AppendMapHeader(o, 2)
	o = msgp.AppendString(o, "from")
	o = appendAddress(o, m.Envelope.From)
	o = msgp.AppendString(o, "to")
	o = msgp.AppendArrayHeader(o, uint32(len(m.Envelope.To)))
	for _, a := range m.Envelope.To {
		o = appendAddress(o, a)
	}

	o = msgp.AppendString(o, "content")
	o = msgp.AppendMapHeader(o, 2)
	o = msgp.AppendString(o, "headers")
	o = msgp.AppendArrayHeader(o, uint32(len(m.Content.Headers)))
	for _, h := range m.Content.Headers {
		o = msgp.AppendMapHeader(o, 2)
		o = msgp.AppendString(o, "name")
		o = msgp.AppendString(o, h.Name)
		o = msgp.AppendString(o, "value")
		o = msgp.AppendString(o, h.Value)
	}
	o = msgp.AppendString(o, "body")
	o = msgp.AppendBytes(o, m.Content.Body)
	return o, nil
}

func appendAddress(o []byte, a MailboxAddress) []byte {
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "local_part")
	o = msgp.AppendString(o, a.LocalPart)
	o = msgp.AppendString(o, "domain")
	o = msgp.AppendString(o, a.Domain)
	o = msgp.AppendString(o, "display_name")
	return msgp.AppendString(o, a.DisplayName)
}

// UnmarshalMsg decodes a Mail from bts and returns the remaining bytes.
func (m *Mail) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "id":
			m.ID, bts, err = msgp.ReadStringBytes(bts)
		case "created_at":
			m.CreatedAt, bts, err = msgp.ReadTimeBytes(bts)
		case "envelope":
			bts, err = m.Envelope.unmarshalMsg(bts)
		case "content":
			bts, err = m.Content.unmarshalMsg(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, key)
		}
	}
	return bts, nil
}

func (e *Envelope) unmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "from":
			bts, err = e.From.unmarshalMsg(bts)
		case "to":
			var sz uint32
			sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				break
			}
			e.To = make([]MailboxAddress, sz)
			for i := range e.To {
				if bts, err = e.To[i].unmarshalMsg(bts); err != nil {
					break
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, key)
		}
	}
	return bts, nil
}

func (a *MailboxAddress) unmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "local_part":
			a.LocalPart, bts, err = msgp.ReadStringBytes(bts)
		case "domain":
			a.Domain, bts, err = msgp.ReadStringBytes(bts)
		case "display_name":
			a.DisplayName, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, key)
		}
	}
	return bts, nil
}

func (c *Content) unmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "headers":
			var sz uint32
			sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				break
			}
			c.Headers = make(Headers, sz)
			for i := range c.Headers {
				if bts, err = c.Headers[i].unmarshalMsg(bts); err != nil {
					break
				}
			}
		case "body":
			c.Body, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, key)
		}
	}
	return bts, nil
}

func (h *Header) unmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; n > 0; n-- {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch key {
		case "name":
			h.Name, bts, err = msgp.ReadStringBytes(bts)
		case "value":
			h.Value, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, key)
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound of the encoded size of m.
func (m *Mail) Msgsize() int {
	s := msgp.MapHeaderSize +
		msgp.StringPrefixSize + 2 + msgp.StringPrefixSize + len(m.ID) +
		msgp.StringPrefixSize + 10 + msgp.TimeSize +
		msgp.StringPrefixSize + 8 + msgp.MapHeaderSize +
		msgp.StringPrefixSize + 4 + addressSize(m.Envelope.From) +
		msgp.StringPrefixSize + 2 + msgp.ArrayHeaderSize
	for _, a := range m.Envelope.To {
		s += addressSize(a)
	}
	s += msgp.StringPrefixSize + 7 + msgp.MapHeaderSize +
		msgp.StringPrefixSize + 7 + msgp.ArrayHeaderSize
	for _, h := range m.Content.Headers {
		s += msgp.MapHeaderSize + 2*msgp.StringPrefixSize + 9 +
			2*msgp.StringPrefixSize + len(h.Name) + len(h.Value)
	}
	s += msgp.StringPrefixSize + 4 + msgp.BytesPrefixSize + len(m.Content.Body)
	return s
}

func addressSize(a MailboxAddress) int {
	return msgp.MapHeaderSize +
		3*msgp.StringPrefixSize + 28 +
		3*msgp.StringPrefixSize + len(a.LocalPart) + len(a.Domain) + len(a.DisplayName)
}

// ToMessagePack serializes the Mail object to MessagePack bytes.
func (m *Mail) ToMessagePack() ([]byte, error) {
	return m.MarshalMsg(nil)
}

// FromMessagePack deserializes a Mail object from MessagePack bytes.
func FromMessagePack(data []byte) (*Mail, error) {
	var m Mail
	if _, err := m.UnmarshalMsg(data); err != nil {
		return nil, err
	}
	return &m, nil
}
