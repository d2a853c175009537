package exi

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag numbers that mark which schema a CBOR stream carries, so a document
// decoded against the wrong grammar fails instead of aliasing fields.
const (
	tagAppHand uint64 = 151180
	tagDIN     uint64 = 70121
	tagISO2    uint64 = 151182
)

// CBORCodec is a bench codec that serializes the document model as tagged,
// integer-keyed CBOR. It stands in for a schema-exact EXI implementation
// when both ends of the link are under test control.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec with deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) DecodeAppHand(data []byte) (*AppHandDocument, error) {
	var doc AppHandDocument
	if err := c.decode(data, tagAppHand, &doc); err != nil {
		return nil, err
	}
	if doc == (AppHandDocument{}) {
		return nil, ErrEmpty
	}
	return &doc, nil
}

func (c *CBORCodec) EncodeAppHand(doc *AppHandDocument) ([]byte, error) {
	if doc == nil || *doc == (AppHandDocument{}) {
		return nil, ErrEmpty
	}
	return c.encode(tagAppHand, doc)
}

func (c *CBORCodec) DecodeDIN(data []byte) (*DINDocument, error) {
	var doc DINDocument
	if err := c.decode(data, tagDIN, &doc); err != nil {
		return nil, err
	}
	if doc.Body == (DINBody{}) {
		return nil, ErrEmpty
	}
	return &doc, nil
}

func (c *CBORCodec) EncodeDIN(doc *DINDocument) ([]byte, error) {
	if doc == nil || doc.Body == (DINBody{}) {
		return nil, ErrEmpty
	}
	return c.encode(tagDIN, doc)
}

func (c *CBORCodec) DecodeISO2(data []byte) (*ISO2Document, error) {
	var doc ISO2Document
	if err := c.decode(data, tagISO2, &doc); err != nil {
		return nil, err
	}
	if doc.Body == (ISO2Body{}) {
		return nil, ErrEmpty
	}
	return &doc, nil
}

func (c *CBORCodec) EncodeISO2(doc *ISO2Document) ([]byte, error) {
	if doc == nil || doc.Body == (ISO2Body{}) {
		return nil, ErrEmpty
	}
	return c.encode(tagISO2, doc)
}

func (c *CBORCodec) encode(tag uint64, doc any) ([]byte, error) {
	b, err := c.enc.Marshal(cbor.Tag{Number: tag, Content: doc})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return b, nil
}

func (c *CBORCodec) decode(data []byte, tag uint64, doc any) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	var raw cbor.RawTag
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if raw.Number != tag {
		return fmt.Errorf("%w: tag %d", ErrUnsupported, raw.Number)
	}
	if err := c.dec.Unmarshal(raw.Content, doc); err != nil {
		return fmt.Errorf("failed to decode document body: %w", err)
	}
	return nil
}
