package stun

// textAttr is shared plumbing for the UTF-8 byte-string attributes
// (USERNAME, REALM, NONCE, SOFTWARE): add as raw bytes, read back as raw
// bytes. Each named type below is a distinct Go type purely so Setter/
// Getter dispatch on method signatures stays unambiguous, matching the
// pattern gortc/stun uses for its attribute types.
type textAttr []byte

func (a textAttr) addTo(e *Encoder, t AttrType) error {
	return e.addRaw(t, a)
}

func getText(m *Message, t AttrType) ([]byte, error) {
	attr, err := m.Get(t)
	if err != nil {
		return nil, err
	}
	return attr.Value, nil
}

// Username is the USERNAME attribute (UTF-8, <=509 bytes per RFC 5389).
type Username []byte

func (u Username) AddTo(e *Encoder) error { return textAttr(u).addTo(e, AttrUsername) }
func (u *Username) GetFrom(m *Message) error {
	v, err := getText(m, AttrUsername)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
func (u Username) String() string { return string(u) }

// Realm is the REALM attribute.
type Realm []byte

func (r Realm) AddTo(e *Encoder) error { return textAttr(r).addTo(e, AttrRealm) }
func (r *Realm) GetFrom(m *Message) error {
	v, err := getText(m, AttrRealm)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
func (r Realm) String() string { return string(r) }
func NewRealm(s string) Realm  { return Realm(s) }

// Nonce is the NONCE attribute: a server-issued opaque token echoed back by
// the client on subsequent authenticated requests.
type Nonce []byte

func (n Nonce) AddTo(e *Encoder) error { return textAttr(n).addTo(e, AttrNonce) }
func (n *Nonce) GetFrom(m *Message) error {
	v, err := getText(m, AttrNonce)
	if err != nil {
		return err
	}
	*n = v
	return nil
}
func (n Nonce) String() string { return string(n) }

// Software is the SOFTWARE attribute, added to responses when configured
// with a non-empty value.
type Software []byte

func (s Software) AddTo(e *Encoder) error {
	if len(s) == 0 {
		return nil
	}
	return textAttr(s).addTo(e, AttrSoftware)
}
func (s *Software) GetFrom(m *Message) error {
	v, err := getText(m, AttrSoftware)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
func (s Software) String() string  { return string(s) }
func NewSoftware(v string) Software { return Software(v) }
