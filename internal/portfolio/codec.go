package portfolio

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/model"
)

// PositionSize is the length of an encoded position.
const PositionSize = 19

const notionalBytes = model.NotionalBits / 8

var twoTo88 = new(big.Int).Lsh(big.NewInt(1), model.NotionalBits)

// EncodePosition packs p as uint16 currency, uint40 maturity, uint8 kind and
// a two's complement int88 notional, all big-endian.
func EncodePosition(p model.Position) ([PositionSize]byte, error) {
	var b [PositionSize]byte
	if err := model.CheckCurrency(p.CurrencyID); err != nil {
		return b, err
	}
	if p.Maturity < 0 || p.Maturity > model.MaxTimestamp {
		return b, fmt.Errorf("%w: maturity %d", model.ErrEncodingViolation, p.Maturity)
	}
	if !p.Kind.Valid() {
		return b, fmt.Errorf("%w: kind %d", model.ErrEncodingViolation, p.Kind)
	}
	if err := model.CheckNotional(p.Notional); err != nil {
		return b, err
	}

	binary.BigEndian.PutUint16(b[0:2], p.CurrencyID)
	b[2] = byte(p.Maturity >> 32)
	binary.BigEndian.PutUint32(b[3:7], uint32(p.Maturity))
	b[7] = byte(p.Kind)

	n := new(big.Int).Set(p.Notional.BigInt())
	if n.Sign() < 0 {
		n.Add(n, twoTo88)
	}
	n.FillBytes(b[8:])
	return b, nil
}

// DecodePosition is the inverse of EncodePosition.
func DecodePosition(b []byte) (model.Position, error) {
	if len(b) != PositionSize {
		return model.Position{}, fmt.Errorf("%w: position is %d bytes, want %d", model.ErrEncodingViolation, len(b), PositionSize)
	}

	p := model.Position{
		CurrencyID: binary.BigEndian.Uint16(b[0:2]),
		Maturity:   int64(b[2])<<32 | int64(binary.BigEndian.Uint32(b[3:7])),
		Kind:       model.Kind(b[7]),
	}
	if err := model.CheckCurrency(p.CurrencyID); err != nil {
		return model.Position{}, fmt.Errorf("%w: %v", model.ErrEncodingViolation, err)
	}
	if !p.Kind.Valid() {
		return model.Position{}, fmt.Errorf("%w: kind %d", model.ErrEncodingViolation, p.Kind)
	}

	n := new(big.Int).SetBytes(b[8 : 8+notionalBytes])
	if b[8]&0x80 != 0 {
		n.Sub(n, twoTo88)
	}
	p.Notional = decimal.NewFromBigInt(n, 0)
	return p, nil
}

// EncodeSlots packs a slot array.
func EncodeSlots(slots []model.Position) ([]byte, error) {
	out := make([]byte, 0, len(slots)*PositionSize)
	for _, p := range slots {
		b, err := EncodePosition(p)
		if err != nil {
			return nil, err
		}
		out = append(out, b[:]...)
	}
	return out, nil
}

// DecodeSlots unpacks a slot array produced by EncodeSlots.
func DecodeSlots(b []byte) ([]model.Position, error) {
	if len(b)%PositionSize != 0 {
		return nil, fmt.Errorf("%w: slot array of %d bytes", model.ErrEncodingViolation, len(b))
	}
	out := make([]model.Position, 0, len(b)/PositionSize)
	for i := 0; i < len(b); i += PositionSize {
		p, err := DecodePosition(b[i : i+PositionSize])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
