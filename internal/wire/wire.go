// Package wire implements the big-endian RPC wire codec of spec.md §6:
// subscribe, request_product, request_backlog, deliver_missed_product,
// deliver_backlog_product, end_backlog, and test_connection.
//
// Marshaling is manual, field-by-field, in the style of the teacher
// project's internal/uapi/marshal.go — dispatch by concrete type to a
// per-message marshal/unmarshal pair rather than reflection-driven
// encoding. Unlike the teacher's fixed-offset C-struct layouts, these
// wire messages carry variable-length fields (identifier strings,
// product payloads), so each function builds its buffer incrementally
// instead of writing into fixed byte offsets.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ldm7/ldm7"
)

// Opcode identifies the message type on the wire.
type Opcode uint8

const (
	OpSubscribe Opcode = iota + 1
	OpSubscriptionReply
	OpRequestProduct
	OpRequestBacklog
	OpDeliverMissedProduct
	OpDeliverBacklogProduct
	OpEndBacklog
	OpTestConnection
	OpNotFound
)

// MaxIdentifierLen is the maximum length of a product identifier string
// (spec.md §3: "identifier-string (≤255 bytes)").
const MaxIdentifierLen = 255

// InetSockAddr is an IPv4/IPv6 literal with port, per spec.md §6.
type InetSockAddr struct {
	Host string
	Port uint16
}

// McastInfo describes the multicast group and FMTP server a downstream
// peer should join after a successful subscribe.
type McastInfo struct {
	Feed         uint32
	GroupAddr    InetSockAddr
	FMTPSrvrAddr InetSockAddr
}

// VcEndPoint is the unicast backstop/backlog channel endpoint.
type VcEndPoint struct {
	Addr InetSockAddr
}

// SubscriptionReply answers Subscribe; Status == 0 means success.
type SubscriptionReply struct {
	Status     uint32
	McastInfo  McastInfo
	VcEndPoint VcEndPoint
}

// Subscribe requests a feed subscription.
type Subscribe struct {
	FeedType uint32
}

// RequestProduct asks the upstream to unicast a single missed product.
type RequestProduct struct {
	ProductIndex uint32
}

// BacklogSpec bounds a backlog_request by signature and time offset.
// HasAfter distinguishes "no lower bound" from the zero signature.
type BacklogSpec struct {
	HasAfter          bool
	After             ldm7.Signature
	Before            ldm7.Signature
	TimeOffsetSeconds uint32
}

// RequestBacklog asks for every product in BacklogSpec's window.
type RequestBacklog struct {
	Spec BacklogSpec
}

// ProductInfo is the wire form of a product's metadata.
type ProductInfo struct {
	Signature   ldm7.Signature
	ArrivalTime time.Time
	OriginHost  string
	FeedType    uint32
	SeqNo       uint32
	Identifier  string
	Size        uint32
}

// Product is metadata plus its opaque payload.
type Product struct {
	Info    ProductInfo
	Payload []byte
}

// DeliverMissedProduct answers a prior RequestProduct.
type DeliverMissedProduct struct {
	ProductIndex uint32
	Product      Product
}

// DeliverBacklogProduct streams one product of a backlog response.
type DeliverBacklogProduct struct {
	Product Product
}

// EndBacklog terminates a backlog stream.
type EndBacklog struct{}

// TestConnection is a liveness no-op probe.
type TestConnection struct{}

// NotFound answers a RequestProduct for an index the upstream no longer
// has.
type NotFound struct {
	ProductIndex uint32
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeAddr(buf *bytes.Buffer, a InetSockAddr) {
	writeString(buf, a.Host)
	writeUint16(buf, a.Port)
}

func writeProductInfo(buf *bytes.Buffer, info ProductInfo) {
	buf.Write(info.Signature[:])
	writeUint32(buf, uint32(info.ArrivalTime.Unix()))
	var nsec [4]byte
	binary.BigEndian.PutUint32(nsec[:], uint32(info.ArrivalTime.Nanosecond()))
	buf.Write(nsec[:])
	writeString(buf, info.OriginHost)
	writeUint32(buf, info.FeedType)
	writeUint32(buf, info.SeqNo)
	writeString(buf, info.Identifier)
	writeUint32(buf, info.Size)
}

func writeProduct(buf *bytes.Buffer, p Product) {
	writeProductInfo(buf, p.Info)
	writeUint32(buf, uint32(len(p.Payload)))
	buf.Write(p.Payload)
}

type byteReader struct {
	b []byte
}

func (r *byteReader) uint32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, ErrInsufficientData
	}
	v := binary.BigEndian.Uint32(r.b[:4])
	r.b = r.b[4:]
	return v, nil
}

func (r *byteReader) uint16() (uint16, error) {
	if len(r.b) < 2 {
		return 0, ErrInsufficientData
	}
	v := binary.BigEndian.Uint16(r.b[:2])
	r.b = r.b[2:]
	return v, nil
}

func (r *byteReader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if len(r.b) < int(n) {
		return "", ErrInsufficientData
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s, nil
}

func (r *byteReader) addr() (InetSockAddr, error) {
	host, err := r.string()
	if err != nil {
		return InetSockAddr{}, err
	}
	port, err := r.uint16()
	if err != nil {
		return InetSockAddr{}, err
	}
	return InetSockAddr{Host: host, Port: port}, nil
}

func (r *byteReader) signature() (ldm7.Signature, error) {
	var sig ldm7.Signature
	if len(r.b) < ldm7.SignatureSize {
		return sig, ErrInsufficientData
	}
	copy(sig[:], r.b[:ldm7.SignatureSize])
	r.b = r.b[ldm7.SignatureSize:]
	return sig, nil
}

func (r *byteReader) productInfo() (ProductInfo, error) {
	var info ProductInfo
	sig, err := r.signature()
	if err != nil {
		return info, err
	}
	sec, err := r.uint32()
	if err != nil {
		return info, err
	}
	nsec, err := r.uint32()
	if err != nil {
		return info, err
	}
	origin, err := r.string()
	if err != nil {
		return info, err
	}
	feed, err := r.uint32()
	if err != nil {
		return info, err
	}
	seq, err := r.uint32()
	if err != nil {
		return info, err
	}
	ident, err := r.string()
	if err != nil {
		return info, err
	}
	size, err := r.uint32()
	if err != nil {
		return info, err
	}
	info.Signature = sig
	info.ArrivalTime = time.Unix(int64(sec), int64(nsec)).UTC()
	info.OriginHost = origin
	info.FeedType = feed
	info.SeqNo = seq
	info.Identifier = ident
	info.Size = size
	return info, nil
}

func (r *byteReader) product() (Product, error) {
	info, err := r.productInfo()
	if err != nil {
		return Product{}, err
	}
	n, err := r.uint32()
	if err != nil {
		return Product{}, err
	}
	if uint32(len(r.b)) < n {
		return Product{}, ErrInsufficientData
	}
	payload := make([]byte, n)
	copy(payload, r.b[:n])
	r.b = r.b[n:]
	return Product{Info: info, Payload: payload}, nil
}

// MarshalProduct encodes a Product (metadata plus payload) standalone,
// for transports — like multicast — that carry one self-describing
// blob per delivery rather than an opcode-framed RPC message.
func MarshalProduct(p Product) []byte {
	var buf bytes.Buffer
	writeProduct(&buf, p)
	return buf.Bytes()
}

// UnmarshalProduct decodes a Product encoded by MarshalProduct.
func UnmarshalProduct(data []byte) (Product, error) {
	r := &byteReader{b: data}
	return r.product()
}

// MarshalError reports a wire-codec failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrInsufficientData is returned when a buffer ends before a field can
// be fully decoded.
const ErrInsufficientData = MarshalError("wire: insufficient data")

// ErrInvalidType is returned by Marshal for an unrecognized message type.
const ErrInvalidType = MarshalError("wire: invalid message type")

// OpcodeOf returns the wire opcode for a message value, or an error if v
// is not a recognized message type.
func OpcodeOf(v any) (Opcode, error) {
	switch v.(type) {
	case Subscribe, *Subscribe:
		return OpSubscribe, nil
	case SubscriptionReply, *SubscriptionReply:
		return OpSubscriptionReply, nil
	case RequestProduct, *RequestProduct:
		return OpRequestProduct, nil
	case RequestBacklog, *RequestBacklog:
		return OpRequestBacklog, nil
	case DeliverMissedProduct, *DeliverMissedProduct:
		return OpDeliverMissedProduct, nil
	case DeliverBacklogProduct, *DeliverBacklogProduct:
		return OpDeliverBacklogProduct, nil
	case EndBacklog, *EndBacklog:
		return OpEndBacklog, nil
	case TestConnection, *TestConnection:
		return OpTestConnection, nil
	case NotFound, *NotFound:
		return OpNotFound, nil
	default:
		return 0, ErrInvalidType
	}
}

// Marshal encodes a message body (without the opcode/length frame) to
// its wire form.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	switch m := v.(type) {
	case Subscribe:
		writeUint32(&buf, m.FeedType)
	case *Subscribe:
		writeUint32(&buf, m.FeedType)
	case SubscriptionReply:
		marshalSubscriptionReply(&buf, m)
	case *SubscriptionReply:
		marshalSubscriptionReply(&buf, *m)
	case RequestProduct:
		writeUint32(&buf, m.ProductIndex)
	case *RequestProduct:
		writeUint32(&buf, m.ProductIndex)
	case RequestBacklog:
		marshalBacklogSpec(&buf, m.Spec)
	case *RequestBacklog:
		marshalBacklogSpec(&buf, m.Spec)
	case DeliverMissedProduct:
		writeUint32(&buf, m.ProductIndex)
		writeProduct(&buf, m.Product)
	case *DeliverMissedProduct:
		writeUint32(&buf, m.ProductIndex)
		writeProduct(&buf, m.Product)
	case DeliverBacklogProduct:
		writeProduct(&buf, m.Product)
	case *DeliverBacklogProduct:
		writeProduct(&buf, m.Product)
	case EndBacklog, *EndBacklog:
		// no body
	case TestConnection, *TestConnection:
		// no body
	case NotFound:
		writeUint32(&buf, m.ProductIndex)
	case *NotFound:
		writeUint32(&buf, m.ProductIndex)
	default:
		return nil, ErrInvalidType
	}
	return buf.Bytes(), nil
}

func marshalSubscriptionReply(buf *bytes.Buffer, m SubscriptionReply) {
	writeUint32(buf, m.Status)
	writeUint32(buf, m.McastInfo.Feed)
	writeAddr(buf, m.McastInfo.GroupAddr)
	writeAddr(buf, m.McastInfo.FMTPSrvrAddr)
	writeAddr(buf, m.VcEndPoint.Addr)
}

func marshalBacklogSpec(buf *bytes.Buffer, spec BacklogSpec) {
	if spec.HasAfter {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(spec.After[:])
	buf.Write(spec.Before[:])
	writeUint32(buf, spec.TimeOffsetSeconds)
}

// Unmarshal decodes a message body given its opcode.
func Unmarshal(op Opcode, data []byte) (any, error) {
	r := &byteReader{b: data}
	switch op {
	case OpSubscribe:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return Subscribe{FeedType: v}, nil
	case OpSubscriptionReply:
		return unmarshalSubscriptionReply(r)
	case OpRequestProduct:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return RequestProduct{ProductIndex: v}, nil
	case OpRequestBacklog:
		spec, err := unmarshalBacklogSpec(r)
		if err != nil {
			return nil, err
		}
		return RequestBacklog{Spec: spec}, nil
	case OpDeliverMissedProduct:
		idx, err := r.uint32()
		if err != nil {
			return nil, err
		}
		p, err := r.product()
		if err != nil {
			return nil, err
		}
		return DeliverMissedProduct{ProductIndex: idx, Product: p}, nil
	case OpDeliverBacklogProduct:
		p, err := r.product()
		if err != nil {
			return nil, err
		}
		return DeliverBacklogProduct{Product: p}, nil
	case OpEndBacklog:
		return EndBacklog{}, nil
	case OpTestConnection:
		return TestConnection{}, nil
	case OpNotFound:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return NotFound{ProductIndex: v}, nil
	default:
		return nil, ErrInvalidType
	}
}

func unmarshalSubscriptionReply(r *byteReader) (SubscriptionReply, error) {
	var m SubscriptionReply
	status, err := r.uint32()
	if err != nil {
		return m, err
	}
	feed, err := r.uint32()
	if err != nil {
		return m, err
	}
	group, err := r.addr()
	if err != nil {
		return m, err
	}
	fmtpSrvr, err := r.addr()
	if err != nil {
		return m, err
	}
	vc, err := r.addr()
	if err != nil {
		return m, err
	}
	m.Status = status
	m.McastInfo = McastInfo{Feed: feed, GroupAddr: group, FMTPSrvrAddr: fmtpSrvr}
	m.VcEndPoint = VcEndPoint{Addr: vc}
	return m, nil
}

func unmarshalBacklogSpec(r *byteReader) (BacklogSpec, error) {
	var spec BacklogSpec
	if len(r.b) < 1 {
		return spec, ErrInsufficientData
	}
	hasAfter := r.b[0] == 1
	r.b = r.b[1:]
	after, err := r.signature()
	if err != nil {
		return spec, err
	}
	before, err := r.signature()
	if err != nil {
		return spec, err
	}
	offset, err := r.uint32()
	if err != nil {
		return spec, err
	}
	spec.HasAfter = hasAfter
	spec.After = after
	spec.Before = before
	spec.TimeOffsetSeconds = offset
	return spec, nil
}

// WriteMessage writes a length-prefixed, opcode-tagged message to w:
// [1-byte opcode][4-byte big-endian length][body].
func WriteMessage(w io.Writer, v any) error {
	op, err := OpcodeOf(v)
	if err != nil {
		return err
	}
	body, err := Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, 5)
	header[0] = byte(op)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one frame written by WriteMessage and decodes it.
func ReadMessage(r io.Reader) (Opcode, any, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	op := Opcode(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	v, err := Unmarshal(op, body)
	return op, v, err
}
