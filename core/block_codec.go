package core

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// MarshalBinary encodes a block as raw hashed fields (declared order), then
// the 64-byte signature, then the 8-byte work value.
//
// Work endianness is preserved exactly as the reference node emits it and is
// a deliberate asymmetry, not a bug (spec.md §§9 Open Questions): state-block
// work is big-endian on the wire, every other variant's work is native
// (little-endian) order. Do not normalize this away.
func (b *Block) MarshalBinary() ([]byte, error) {
	if err := b.validateShape(); err != nil {
		return nil, err
	}
	var buf []byte
	switch b.Type {
	case BlockOpen:
		buf = append(buf, b.Open.Source[:]...)
		buf = append(buf, b.Open.Representative[:]...)
		buf = append(buf, b.Open.Account[:]...)
	case BlockSend:
		buf = append(buf, b.Send.Previous[:]...)
		buf = append(buf, b.Send.Destination[:]...)
		buf = append(buf, b.Send.Balance[:]...)
	case BlockReceive:
		buf = append(buf, b.Receive.Previous[:]...)
		buf = append(buf, b.Receive.Source[:]...)
	case BlockChange:
		buf = append(buf, b.Change.Previous[:]...)
		buf = append(buf, b.Change.Representative[:]...)
	case BlockState:
		buf = append(buf, b.State.Account[:]...)
		buf = append(buf, b.State.Previous[:]...)
		buf = append(buf, b.State.Representative[:]...)
		buf = append(buf, b.State.Balance[:]...)
		buf = append(buf, b.State.Link[:]...)
	}
	buf = append(buf, b.Signature[:]...)

	var workBytes [8]byte
	if b.Type == BlockState {
		binary.BigEndian.PutUint64(workBytes[:], b.Work)
	} else {
		binary.LittleEndian.PutUint64(workBytes[:], b.Work)
	}
	buf = append(buf, workBytes[:]...)
	return buf, nil
}

// blockWireLen returns the hashed-field length for each variant, excluding
// the trailing 64-byte signature and 8-byte work common to all of them.
func blockWireLen(t BlockType) (int, error) {
	switch t {
	case BlockOpen:
		return 32 * 3, nil
	case BlockSend:
		return 32 + 32 + 16, nil
	case BlockReceive:
		return 32 * 2, nil
	case BlockChange:
		return 32 * 2, nil
	case BlockState:
		return 32*4 + 16, nil
	default:
		return 0, errUnknownBlockType
	}
}

// UnmarshalBlockBinary decodes a block of the given type from its wire form.
func UnmarshalBlockBinary(t BlockType, data []byte) (*Block, error) {
	fieldLen, err := blockWireLen(t)
	if err != nil {
		return nil, err
	}
	want := fieldLen + 64 + 8
	if len(data) != want {
		return nil, fmt.Errorf("core: block wire length %d, want %d", len(data), want)
	}
	b := &Block{Type: t}
	off := 0
	read32 := func() U256 { var u U256; copy(u[:], data[off:off+32]); off += 32; return u }
	read16 := func() U128 { var u U128; copy(u[:], data[off:off+16]); off += 16; return u }

	switch t {
	case BlockOpen:
		b.Open = &OpenFields{Source: read32(), Representative: read32(), Account: read32()}
	case BlockSend:
		b.Send = &SendFields{Previous: read32(), Destination: read32(), Balance: read16()}
	case BlockReceive:
		b.Receive = &ReceiveFields{Previous: read32(), Source: read32()}
	case BlockChange:
		b.Change = &ChangeFields{Previous: read32(), Representative: read32()}
	case BlockState:
		b.State = &StateFields{Account: read32(), Previous: read32(), Representative: read32(),
			Balance: read16(), Link: read32()}
	}
	var sig U512
	copy(sig[:], data[off:off+64])
	off += 64
	b.Signature = sig

	workBytes := data[off : off+8]
	if t == BlockState {
		b.Work = binary.BigEndian.Uint64(workBytes)
	} else {
		b.Work = binary.LittleEndian.Uint64(workBytes)
	}
	return b, nil
}

// jsonBlock is the on-the-wire JSON shape: a type tag plus hex/decimal
// fields. Legacy variants render balances in hex, state blocks in decimal,
// matching spec.md §§6.
type jsonBlock struct {
	Type string `json:"type"`

	Source         string `json:"source,omitempty"`
	Representative string `json:"representative,omitempty"`
	Account        string `json:"account,omitempty"`
	Previous       string `json:"previous,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Balance        string `json:"balance,omitempty"`
	Link           string `json:"link,omitempty"`

	Signature string `json:"signature"`
	Work      string `json:"work"`
}

// MarshalJSON renders the block using the field layout spec.md §§6 mandates.
func (b *Block) MarshalJSON() ([]byte, error) {
	if err := b.validateShape(); err != nil {
		return nil, err
	}
	jb := jsonBlock{
		Type:      b.Type.String(),
		Signature: hex.EncodeToString(b.Signature[:]),
		Work:      hex.EncodeToString(workBE(b.Work)),
	}
	switch b.Type {
	case BlockOpen:
		jb.Source = b.Open.Source.Hex()
		jb.Representative = b.Open.Representative.Hex()
		jb.Account = b.Open.Account.Hex()
	case BlockSend:
		jb.Previous = b.Send.Previous.Hex()
		jb.Destination = b.Send.Destination.Hex()
		jb.Balance = b.Send.Balance.Hex()
	case BlockReceive:
		jb.Previous = b.Receive.Previous.Hex()
		jb.Source = b.Receive.Source.Hex()
	case BlockChange:
		jb.Previous = b.Change.Previous.Hex()
		jb.Representative = b.Change.Representative.Hex()
	case BlockState:
		jb.Account = b.State.Account.Hex()
		jb.Previous = b.State.Previous.Hex()
		jb.Representative = b.State.Representative.Hex()
		jb.Balance = b.State.Balance.BigInt().String()
		jb.Link = b.State.Link.Hex()
	}
	return json.Marshal(jb)
}

func workBE(w uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], w)
	return b[:]
}

// UnmarshalJSON restores a block from its JSON form, inverse of MarshalJSON.
func (b *Block) UnmarshalJSON(data []byte) error {
	var jb struct {
		Type           string `json:"type"`
		Source         string `json:"source"`
		Representative string `json:"representative"`
		Account        string `json:"account"`
		Previous       string `json:"previous"`
		Destination    string `json:"destination"`
		Balance        string `json:"balance"`
		Link           string `json:"link"`
		Signature      string `json:"signature"`
		Work           string `json:"work"`
	}
	if err := json.Unmarshal(data, &jb); err != nil {
		return err
	}
	switch jb.Type {
	case "open":
		b.Type = BlockOpen
		src, err := hexTo32(jb.Source)
		if err != nil {
			return err
		}
		rep, err := hexTo32(jb.Representative)
		if err != nil {
			return err
		}
		acc, err := hexTo32(jb.Account)
		if err != nil {
			return err
		}
		b.Open = &OpenFields{Source: src, Representative: rep, Account: acc}
	case "send":
		b.Type = BlockSend
		prev, err := hexTo32(jb.Previous)
		if err != nil {
			return err
		}
		dst, err := hexTo32(jb.Destination)
		if err != nil {
			return err
		}
		bal, err := hexTo16(jb.Balance)
		if err != nil {
			return err
		}
		b.Send = &SendFields{Previous: prev, Destination: dst, Balance: bal}
	case "receive":
		b.Type = BlockReceive
		prev, err := hexTo32(jb.Previous)
		if err != nil {
			return err
		}
		src, err := hexTo32(jb.Source)
		if err != nil {
			return err
		}
		b.Receive = &ReceiveFields{Previous: prev, Source: src}
	case "change":
		b.Type = BlockChange
		prev, err := hexTo32(jb.Previous)
		if err != nil {
			return err
		}
		rep, err := hexTo32(jb.Representative)
		if err != nil {
			return err
		}
		b.Change = &ChangeFields{Previous: prev, Representative: rep}
	case "state":
		b.Type = BlockState
		acc, err := hexTo32(jb.Account)
		if err != nil {
			return err
		}
		prev, err := hexTo32(jb.Previous)
		if err != nil {
			return err
		}
		rep, err := hexTo32(jb.Representative)
		if err != nil {
			return err
		}
		link, err := hexTo32(jb.Link)
		if err != nil {
			return err
		}
		dec, ok := new(big.Int).SetString(jb.Balance, 10)
		if !ok {
			return errors.New("core: bad decimal balance")
		}
		bal, err := U128FromBigInt(dec)
		if err != nil {
			return err
		}
		b.State = &StateFields{Account: acc, Previous: prev, Representative: rep, Balance: bal, Link: link}
	default:
		return fmt.Errorf("core: unknown json block type %q", jb.Type)
	}
	sigBytes, err := hex.DecodeString(jb.Signature)
	if err != nil || len(sigBytes) != 64 {
		return errors.New("core: bad signature hex")
	}
	copy(b.Signature[:], sigBytes)

	workBytes, err := hex.DecodeString(jb.Work)
	if err != nil || len(workBytes) != 8 {
		return errors.New("core: bad work hex")
	}
	b.Work = binary.BigEndian.Uint64(workBytes)
	return nil
}
