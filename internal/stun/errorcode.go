package stun

// ErrorCode is a numeric STUN error code (class*100 + number), e.g. 401,
// 437, 500.
type ErrorCode int

// Error codes this server emits.
const (
	CodeBadRequest     ErrorCode = 400
	CodeUnauthorized   ErrorCode = 401
	CodeForbidden      ErrorCode = 403
	CodeAllocMismatch  ErrorCode = 437
	CodeAddrFamily     ErrorCode = 443
	CodeAllocQuota     ErrorCode = 486
	CodeServerError    ErrorCode = 500
	CodeStaleNonce     ErrorCode = 438
	CodeWrongCred      ErrorCode = 441
	CodeUnsupportedTTP ErrorCode = 442
)

var reasonPhrase = map[ErrorCode]string{
	CodeBadRequest:     "Bad Request",
	CodeUnauthorized:   "Unauthorized",
	CodeForbidden:      "Forbidden",
	CodeAllocMismatch:  "Allocation Mismatch",
	CodeAddrFamily:     "Peer Address Family Mismatch",
	CodeAllocQuota:     "Allocation Quota Reached",
	CodeServerError:    "Server Error",
	CodeStaleNonce:     "Stale Nonce",
	CodeWrongCred:      "Wrong Credentials",
	CodeUnsupportedTTP: "Unsupported Transport Protocol",
}

func (c ErrorCode) String() string {
	if r, ok := reasonPhrase[c]; ok {
		return r
	}
	return "Unknown Error"
}

// ErrorCodeAttribute is the ERROR-CODE attribute: class/number plus a UTF-8
// reason phrase, per RFC 5389 §15.6.
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason string
}

// NewErrorCode builds an ErrorCodeAttribute with the canonical reason
// phrase for code.
func NewErrorCode(code ErrorCode) ErrorCodeAttribute {
	return ErrorCodeAttribute{Code: code, Reason: code.String()}
}

// AddTo implements Setter.
func (e ErrorCodeAttribute) AddTo(enc *Encoder) error {
	class := byte(e.Code / 100)
	number := byte(e.Code % 100)
	v := make([]byte, 4+len(e.Reason))
	v[0] = 0
	v[1] = 0
	v[2] = class
	v[3] = number
	copy(v[4:], e.Reason)
	return enc.addRaw(AttrErrorCode, v)
}

// GetFrom implements Getter.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	attr, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(attr.Value) < 4 {
		return ErrInvalidInput
	}
	class := int(attr.Value[2] & 0x07)
	number := int(attr.Value[3])
	e.Code = ErrorCode(class*100 + number)
	e.Reason = string(attr.Value[4:])
	return nil
}
