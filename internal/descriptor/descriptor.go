// Package descriptor holds the per-account descriptor: storage mode,
// reference time, debt flags and the active-currency list. The record is
// persisted as a fixed 27-byte image through Encode and Decode, and every
// decoded record is validated before it is handed out.
package descriptor

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/timebucket"
)

// Size is the length of an encoded descriptor.
const Size = 27

// DebtFlags records which kinds of debt an account carries.
type DebtFlags uint8

const (
	// DebtPosition is set while some stored position has negative notional.
	DebtPosition DebtFlags = 0x01
	// DebtBalance is set while some currency balance is negative.
	DebtBalance DebtFlags = 0x02

	debtMask = DebtPosition | DebtBalance
)

// CurrencyFlags selects the flags of an active-currency entry.
type CurrencyFlags uint16

const (
	InPortfolio CurrencyFlags = 0x8000
	InBalances  CurrencyFlags = 0x4000

	currencyIDMask = 0x3FFF
)

// ActiveCurrency is one entry of the active-currency list.
type ActiveCurrency struct {
	ID          uint16 `json:"id"`
	InPortfolio bool   `json:"in_portfolio"`
	InBalances  bool   `json:"in_balances"`
}

func (a ActiveCurrency) flags() CurrencyFlags {
	var f CurrencyFlags
	if a.InPortfolio {
		f |= InPortfolio
	}
	if a.InBalances {
		f |= InBalances
	}
	return f
}

func (a *ActiveCurrency) setFlags(f CurrencyFlags, on bool) {
	if f&InPortfolio != 0 {
		a.InPortfolio = on
	}
	if f&InBalances != 0 {
		a.InBalances = on
	}
}

// Descriptor is the per-account record. The zero value is a valid account
// with no positions and no debt.
type Descriptor struct {
	ReferenceTime    int64                                     `json:"reference_time"`
	Debt             DebtFlags                                 `json:"debt_flags"`
	PositionCount    uint8                                     `json:"position_count"`
	BitmapCurrency   uint16                                    `json:"bitmap_currency"`
	ActiveCurrencies [model.MaxActiveCurrencies]ActiveCurrency `json:"active_currencies"`
}

// IsBitmapEnabled reports whether the account stores positions in a bitmap.
func (d *Descriptor) IsBitmapEnabled() bool {
	return d.BitmapCurrency != 0
}

// HasDebt reports whether any of the given debt flags is set.
func (d *Descriptor) HasDebt(flags DebtFlags) bool {
	return d.Debt&flags != 0
}

// MustSettle reports whether the account has positions due for settlement
// at blockTime.
func (d *Descriptor) MustSettle(blockTime int64) bool {
	if d.IsBitmapEnabled() {
		return d.ReferenceTime < timebucket.UTC0(blockTime)
	}
	return d.ReferenceTime != 0 && d.ReferenceTime <= blockTime
}

// Encode returns the storage image of d. The descriptor must be valid.
func (d *Descriptor) Encode() [Size]byte {
	var b [Size]byte
	putUint40(b[0:5], uint64(d.ReferenceTime))
	b[5] = byte(d.Debt)
	b[6] = d.PositionCount
	binary.BigEndian.PutUint16(b[7:9], d.BitmapCurrency)
	for i, a := range d.ActiveCurrencies {
		binary.BigEndian.PutUint16(b[9+2*i:], a.ID|uint16(a.flags()))
	}
	return b
}

// Decode parses a storage image. An empty image is the zero descriptor.
func Decode(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) == 0 {
		return d, nil
	}
	if len(b) != Size {
		return d, fmt.Errorf("%w: descriptor is %d bytes, want %d", model.ErrEncodingViolation, len(b), Size)
	}

	d.ReferenceTime = int64(uint40(b[0:5]))
	d.Debt = DebtFlags(b[5])
	d.PositionCount = b[6]
	d.BitmapCurrency = binary.BigEndian.Uint16(b[7:9])
	for i := range d.ActiveCurrencies {
		v := binary.BigEndian.Uint16(b[9+2*i:])
		d.ActiveCurrencies[i] = ActiveCurrency{
			ID:          v & currencyIDMask,
			InPortfolio: CurrencyFlags(v)&InPortfolio != 0,
			InBalances:  CurrencyFlags(v)&InBalances != 0,
		}
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", model.ErrEncodingViolation, err)
	}
	return d, nil
}

// Validate checks the invariants that can be verified from the record alone.
func (d *Descriptor) Validate() error {
	switch {
	case d.ReferenceTime < 0 || d.ReferenceTime > model.MaxTimestamp:
		return violation("reference time %d out of range", d.ReferenceTime)
	case d.Debt&^debtMask != 0:
		return violation("unknown debt flags %#x", uint8(d.Debt))
	case d.PositionCount > model.MaxArrayPositions:
		return violation("position count %d exceeds %d", d.PositionCount, model.MaxArrayPositions)
	case d.BitmapCurrency > model.MaxCurrencyID:
		return violation("bitmap currency %d out of range", d.BitmapCurrency)
	case d.BitmapCurrency != 0 && d.PositionCount != 0:
		return violation("bitmap currency %d set with %d array positions", d.BitmapCurrency, d.PositionCount)
	}

	var prev uint16
	ended := false
	for i, a := range d.ActiveCurrencies {
		if a.ID == 0 {
			if a.flags() != 0 {
				return violation("active currency slot %d has flags but no id", i)
			}
			ended = true
			continue
		}
		switch {
		case ended:
			return violation("active currency %d follows an empty slot", a.ID)
		case a.ID > model.MaxCurrencyID:
			return violation("active currency %d out of range", a.ID)
		case a.ID <= prev:
			return violation("active currencies not strictly ascending at %d", a.ID)
		case a.ID == d.BitmapCurrency:
			return violation("bitmap currency %d listed as active", a.ID)
		case a.flags() == 0:
			return violation("active currency %d has no flags", a.ID)
		}
		prev = a.ID
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{model.ErrStructuralViolation}, args...)...)
}

// Currencies returns the ids in the active list, ascending.
func (d *Descriptor) Currencies() []uint16 {
	var out []uint16
	for _, a := range d.ActiveCurrencies {
		if a.ID == 0 {
			break
		}
		out = append(out, a.ID)
	}
	return out
}

// Active returns the entry for id.
func (d *Descriptor) Active(id uint16) (ActiveCurrency, bool) {
	for _, a := range d.ActiveCurrencies {
		if a.ID == id && id != 0 {
			return a, true
		}
	}
	return ActiveCurrency{}, false
}

// SetActiveCurrency turns the given flags on or off for id, keeping the list
// sorted. An entry whose flags are all off is removed. Activating the bitmap
// currency is ignored since it is implicitly active.
func (d *Descriptor) SetActiveCurrency(id uint16, active bool, flags CurrencyFlags) error {
	if id == 0 || id > model.MaxCurrencyID {
		return fmt.Errorf("%w: currency id %d", model.ErrInvalidPosition, id)
	}
	if id == d.BitmapCurrency {
		return nil
	}

	list := d.Currencies()
	i, found := slices.BinarySearch(list, id)
	if found {
		entry := &d.ActiveCurrencies[i]
		entry.setFlags(flags, active)
		if entry.flags() == 0 {
			copy(d.ActiveCurrencies[i:], d.ActiveCurrencies[i+1:])
			d.ActiveCurrencies[len(d.ActiveCurrencies)-1] = ActiveCurrency{}
		}
		return nil
	}
	if !active {
		return nil
	}
	if len(list) == model.MaxActiveCurrencies {
		return fmt.Errorf("%w: more than %d active currencies", model.ErrStructuralViolation, model.MaxActiveCurrencies)
	}

	entry := ActiveCurrency{ID: id}
	entry.setFlags(flags, true)
	copy(d.ActiveCurrencies[i+1:], d.ActiveCurrencies[i:len(d.ActiveCurrencies)-1])
	d.ActiveCurrencies[i] = entry
	return nil
}

// SetPortfolioCurrencies replaces the set of currencies flagged as holding
// array positions.
func (d *Descriptor) SetPortfolioCurrencies(ids []uint16) error {
	for _, id := range d.Currencies() {
		if err := d.SetActiveCurrency(id, false, InPortfolio); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := d.SetActiveCurrency(id, true, InPortfolio); err != nil {
			return err
		}
	}
	return nil
}

// SetDebt turns a debt flag on or off.
func (d *Descriptor) SetDebt(flag DebtFlags, on bool) {
	if on {
		d.Debt |= flag
	} else {
		d.Debt &^= flag
	}
}

// ClearDebtFlags clears the given flags. It is called by the collateral
// check once the account has been shown to be adequately collateralised.
func (d *Descriptor) ClearDebtFlags(flags DebtFlags) {
	d.Debt &^= flags
}

// EnableBitmap switches the account to bitmap mode for currency. The
// reference time is reset to the start of blockTime's day. Passing currency
// 0 disables bitmap mode.
func (d *Descriptor) EnableBitmap(currency uint16, blockTime int64) error {
	if currency == d.BitmapCurrency {
		return nil
	}
	if currency == 0 {
		d.DisableBitmap()
		return nil
	}
	if currency > model.MaxCurrencyID {
		return fmt.Errorf("%w: currency id %d", model.ErrInvalidPosition, currency)
	}
	if d.PositionCount != 0 {
		return fmt.Errorf("%w: cannot enable bitmap with %d array positions", model.ErrStructuralViolation, d.PositionCount)
	}

	if i := slices.Index(d.Currencies(), currency); i >= 0 {
		copy(d.ActiveCurrencies[i:], d.ActiveCurrencies[i+1:])
		d.ActiveCurrencies[len(d.ActiveCurrencies)-1] = ActiveCurrency{}
	}
	d.BitmapCurrency = currency
	d.ReferenceTime = timebucket.UTC0(blockTime)
	return nil
}

// DisableBitmap returns the account to array mode. The caller must ensure
// the bitmap holds no positions.
func (d *Descriptor) DisableBitmap() {
	d.BitmapCurrency = 0
	d.ReferenceTime = 0
}

func putUint40(b []byte, v uint64) {
	_ = b[4]
	b[0] = byte(v >> 32)
	binary.BigEndian.PutUint32(b[1:], uint32(v))
}

func uint40(b []byte) uint64 {
	_ = b[4]
	return uint64(b[0])<<32 | uint64(binary.BigEndian.Uint32(b[1:]))
}
