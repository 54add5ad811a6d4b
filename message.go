package dbus

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aviral14112001/dbus-broker/fragments"
)

// Message header flag bits, per the DBus wire protocol.
const (
	// FlagNoReplyExpected indicates the sender will not wait for, or
	// act on, a reply. Method calls with this flag set never receive
	// a method-return or error reply.
	FlagNoReplyExpected byte = 1 << 0
	// FlagNoAutoStart indicates the bus must not launch an activatable
	// service to satisfy this message; an unreachable destination is
	// reported directly instead of being queued for activation.
	FlagNoAutoStart byte = 1 << 1
	// FlagAllowInteractiveAuthorization indicates the sender is
	// prepared to wait for an interactive authorization prompt, if
	// one is required to authorize the message.
	FlagAllowInteractiveAuthorization byte = 1 << 2
)

// EncodeMessage serializes hdr and body as a complete DBus message
// and writes it to w. hdr.Length and hdr.Signature are populated from
// body before the header is serialized; hdr.NumFDs is left as given. If body is
// nil, the message has no body and hdr.Signature is left empty.
func EncodeMessage(ctx context.Context, w io.Writer, hdr *Header, body any) error {
	var bodyBytes []byte
	if body != nil {
		enc := fragments.Encoder{
			Order:  fragments.NativeEndian,
			Mapper: encoderFor,
		}
		if err := enc.Value(ctx, body); err != nil {
			return fmt.Errorf("encoding message body: %w", err)
		}
		sig, err := SignatureOf(body)
		if err != nil {
			return fmt.Errorf("computing body signature: %w", err)
		}
		bodyBytes = enc.Out
		hdr.Length = uint32(len(bodyBytes))
		hdr.Signature = sig
	} else {
		hdr.Length = 0
		hdr.Signature = Signature{}
	}

	if err := hdr.Valid(); err != nil {
		return fmt.Errorf("invalid message header: %w", err)
	}

	henc := fragments.Encoder{
		Order:  fragments.NativeEndian,
		Mapper: encoderFor,
	}
	if err := henc.Value(ctx, hdr); err != nil {
		return fmt.Errorf("encoding message header: %w", err)
	}
	if _, err := w.Write(henc.Out); err != nil {
		return err
	}
	if len(bodyBytes) > 0 {
		if _, err := w.Write(bodyBytes); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage reads one complete DBus message from r: a header
// followed by its body, if any. The returned body decoder can be
// used to unmarshal the body into a concrete type once the caller
// knows the method/signal being invoked.
func DecodeMessage(ctx context.Context, r io.Reader) (*Header, *fragments.Decoder, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     r,
	}
	var hdr Header
	if err := dec.Value(ctx, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decoding message header: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(r, int64(hdr.Length)))
	if err != nil {
		return nil, nil, fmt.Errorf("reading message body: %w", err)
	}
	bodyDec := &fragments.Decoder{
		Order:  dec.Order,
		Mapper: decoderFor,
		In:     bytes.NewReader(body),
	}
	return &hdr, bodyDec, nil
}

// DecodeMessageRaw reads one complete DBus message from r and returns
// its header along with the body as raw, un-decoded wire bytes. This
// is the entry point a router uses: it never needs to unmarshal a
// body it is only forwarding.
func DecodeMessageRaw(ctx context.Context, r io.Reader) (*Header, []byte, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     r,
	}
	var hdr Header
	if err := dec.Value(ctx, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decoding message header: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(r, int64(hdr.Length)))
	if err != nil {
		return nil, nil, fmt.Errorf("reading message body: %w", err)
	}
	return &hdr, body, nil
}

// WriteRawMessage writes hdr followed by rawBody verbatim. Unlike
// EncodeMessage, it does not recompute hdr.Length/Signature/NumFDs
// from a typed body; the caller (typically a router forwarding a
// message it never decoded) is responsible for those already being
// correct for rawBody.
func WriteRawMessage(ctx context.Context, w io.Writer, hdr *Header, rawBody []byte) error {
	henc := fragments.Encoder{
		Order:  fragments.NativeEndian,
		Mapper: encoderFor,
	}
	if err := henc.Value(ctx, hdr); err != nil {
		return fmt.Errorf("encoding message header: %w", err)
	}
	if _, err := w.Write(henc.Out); err != nil {
		return err
	}
	if len(rawBody) > 0 {
		if _, err := w.Write(rawBody); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBody unmarshals raw wire bytes (as produced by DecodeMessage
// or captured for later forwarding) into v, using order for
// multi-byte values. v must be a pointer.
func DecodeBody(ctx context.Context, body []byte, order fragments.ByteOrder, v any) error {
	dec := fragments.Decoder{
		Order:  order,
		Mapper: decoderFor,
		In:     bytes.NewReader(body),
	}
	return dec.Value(ctx, v)
}

// EncodeBody marshals v to raw wire bytes using order, returning the
// bytes and v's DBus type signature.
func EncodeBody(ctx context.Context, order fragments.ByteOrder, v any) ([]byte, Signature, error) {
	enc := fragments.Encoder{
		Order:  order,
		Mapper: encoderFor,
	}
	if err := enc.Value(ctx, v); err != nil {
		return nil, Signature{}, err
	}
	sig, err := SignatureOf(v)
	if err != nil {
		return nil, Signature{}, err
	}
	return enc.Out, sig, nil
}
