package records

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// --------------------------------------------------------------------------
// Record sizes (engine wire protocol)
// --------------------------------------------------------------------------

const (
	AccountSize        = 128
	TransferSize       = 128
	IDSize             = 16
	AccountFilterSize  = 64
	AccountBalanceSize = 128
	CreateResultSize   = 8
)

// Layout is the request and reply stride of one operation.
type Layout struct {
	Request int
	Reply   int
}

var layouts = map[engine.Operation]Layout{
	engine.OperationCreateAccounts:      {Request: AccountSize, Reply: CreateResultSize},
	engine.OperationCreateTransfers:     {Request: TransferSize, Reply: CreateResultSize},
	engine.OperationLookupAccounts:      {Request: IDSize, Reply: AccountSize},
	engine.OperationLookupTransfers:     {Request: IDSize, Reply: TransferSize},
	engine.OperationGetAccountTransfers: {Request: AccountFilterSize, Reply: TransferSize},
	engine.OperationGetAccountBalances:  {Request: AccountFilterSize, Reply: AccountBalanceSize},
}

// LayoutOf returns the strides for op, or false for an unknown operation.
func LayoutOf(op engine.Operation) (Layout, bool) {
	l, ok := layouts[op]
	return l, ok
}

// --------------------------------------------------------------------------
// Account
// --------------------------------------------------------------------------

// Account mirrors the 128 byte account record.
type Account struct {
	ID             engine.Uint128
	DebitsPending  engine.Uint128
	DebitsPosted   engine.Uint128
	CreditsPending engine.Uint128
	CreditsPosted  engine.Uint128
	UserData128    engine.Uint128
	UserData64     uint64
	UserData32     uint32
	Ledger         uint32
	Code           uint16
	Flags          uint16
	Timestamp      uint64
}

// Encode writes a into dst, which must hold at least AccountSize bytes.
func (a *Account) Encode(dst []byte) {
	_ = dst[AccountSize-1]
	copy(dst[0:16], a.ID[:])
	copy(dst[16:32], a.DebitsPending[:])
	copy(dst[32:48], a.DebitsPosted[:])
	copy(dst[48:64], a.CreditsPending[:])
	copy(dst[64:80], a.CreditsPosted[:])
	copy(dst[80:96], a.UserData128[:])
	binary.LittleEndian.PutUint64(dst[96:104], a.UserData64)
	binary.LittleEndian.PutUint32(dst[104:108], a.UserData32)
	// 108:112 reserved
	binary.LittleEndian.PutUint32(dst[108:112], 0)
	binary.LittleEndian.PutUint32(dst[112:116], a.Ledger)
	binary.LittleEndian.PutUint16(dst[116:118], a.Code)
	binary.LittleEndian.PutUint16(dst[118:120], a.Flags)
	binary.LittleEndian.PutUint64(dst[120:128], a.Timestamp)
}

// Decode reads an account from src.
func (a *Account) Decode(src []byte) {
	_ = src[AccountSize-1]
	copy(a.ID[:], src[0:16])
	copy(a.DebitsPending[:], src[16:32])
	copy(a.DebitsPosted[:], src[32:48])
	copy(a.CreditsPending[:], src[48:64])
	copy(a.CreditsPosted[:], src[64:80])
	copy(a.UserData128[:], src[80:96])
	a.UserData64 = binary.LittleEndian.Uint64(src[96:104])
	a.UserData32 = binary.LittleEndian.Uint32(src[104:108])
	a.Ledger = binary.LittleEndian.Uint32(src[112:116])
	a.Code = binary.LittleEndian.Uint16(src[116:118])
	a.Flags = binary.LittleEndian.Uint16(src[118:120])
	a.Timestamp = binary.LittleEndian.Uint64(src[120:128])
}

// --------------------------------------------------------------------------
// Transfer
// --------------------------------------------------------------------------

// Transfer mirrors the 128 byte transfer record.
type Transfer struct {
	ID              engine.Uint128
	DebitAccountID  engine.Uint128
	CreditAccountID engine.Uint128
	Amount          engine.Uint128
	PendingID       engine.Uint128
	UserData128     engine.Uint128
	UserData64      uint64
	UserData32      uint32
	Timeout         uint32
	Ledger          uint32
	Code            uint16
	Flags           uint16
	Timestamp       uint64
}

// Encode writes t into dst, which must hold at least TransferSize bytes.
func (t *Transfer) Encode(dst []byte) {
	_ = dst[TransferSize-1]
	copy(dst[0:16], t.ID[:])
	copy(dst[16:32], t.DebitAccountID[:])
	copy(dst[32:48], t.CreditAccountID[:])
	copy(dst[48:64], t.Amount[:])
	copy(dst[64:80], t.PendingID[:])
	copy(dst[80:96], t.UserData128[:])
	binary.LittleEndian.PutUint64(dst[96:104], t.UserData64)
	binary.LittleEndian.PutUint32(dst[104:108], t.UserData32)
	binary.LittleEndian.PutUint32(dst[108:112], t.Timeout)
	binary.LittleEndian.PutUint32(dst[112:116], t.Ledger)
	binary.LittleEndian.PutUint16(dst[116:118], t.Code)
	binary.LittleEndian.PutUint16(dst[118:120], t.Flags)
	binary.LittleEndian.PutUint64(dst[120:128], t.Timestamp)
}

// Decode reads a transfer from src.
func (t *Transfer) Decode(src []byte) {
	_ = src[TransferSize-1]
	copy(t.ID[:], src[0:16])
	copy(t.DebitAccountID[:], src[16:32])
	copy(t.CreditAccountID[:], src[32:48])
	copy(t.Amount[:], src[48:64])
	copy(t.PendingID[:], src[64:80])
	copy(t.UserData128[:], src[80:96])
	t.UserData64 = binary.LittleEndian.Uint64(src[96:104])
	t.UserData32 = binary.LittleEndian.Uint32(src[104:108])
	t.Timeout = binary.LittleEndian.Uint32(src[108:112])
	t.Ledger = binary.LittleEndian.Uint32(src[112:116])
	t.Code = binary.LittleEndian.Uint16(src[116:118])
	t.Flags = binary.LittleEndian.Uint16(src[118:120])
	t.Timestamp = binary.LittleEndian.Uint64(src[120:128])
}

// --------------------------------------------------------------------------
// AccountFilter
// --------------------------------------------------------------------------

// AccountFilter mirrors the 64 byte filter used by get_account_transfers and
// get_account_balances.
type AccountFilter struct {
	AccountID    engine.Uint128
	TimestampMin uint64
	TimestampMax uint64
	Limit        uint32
	Flags        uint32
}

// Encode writes f into dst, which must hold at least AccountFilterSize bytes.
// The trailing reserved bytes are zeroed.
func (f *AccountFilter) Encode(dst []byte) {
	_ = dst[AccountFilterSize-1]
	copy(dst[0:16], f.AccountID[:])
	binary.LittleEndian.PutUint64(dst[16:24], f.TimestampMin)
	binary.LittleEndian.PutUint64(dst[24:32], f.TimestampMax)
	binary.LittleEndian.PutUint32(dst[32:36], f.Limit)
	binary.LittleEndian.PutUint32(dst[36:40], f.Flags)
	for i := 40; i < AccountFilterSize; i++ {
		dst[i] = 0
	}
}

// --------------------------------------------------------------------------
// Create results
// --------------------------------------------------------------------------

// CreateResult is one entry of a create_accounts / create_transfers reply.
// Only failed records are reported, Index refers to the request batch.
type CreateResult struct {
	Index  uint32
	Result uint32
}

// --------------------------------------------------------------------------
// Batch helpers
// --------------------------------------------------------------------------

// EncodeAccounts encodes a batch of accounts into a request payload.
func EncodeAccounts(accounts []Account) []byte {
	buf := make([]byte, len(accounts)*AccountSize)
	for i := range accounts {
		accounts[i].Encode(buf[i*AccountSize:])
	}
	return buf
}

// EncodeTransfers encodes a batch of transfers into a request payload.
func EncodeTransfers(transfers []Transfer) []byte {
	buf := make([]byte, len(transfers)*TransferSize)
	for i := range transfers {
		transfers[i].Encode(buf[i*TransferSize:])
	}
	return buf
}

// EncodeIDs encodes ids for lookup operations.
func EncodeIDs(ids []engine.Uint128) []byte {
	buf := make([]byte, len(ids)*IDSize)
	for i, id := range ids {
		copy(buf[i*IDSize:], id[:])
	}
	return buf
}

// DecodeAccounts decodes a lookup_accounts reply.
func DecodeAccounts(reply []byte) ([]Account, error) {
	if len(reply)%AccountSize != 0 {
		return nil, fmt.Errorf("account reply of %d bytes is not a multiple of %d", len(reply), AccountSize)
	}
	out := make([]Account, len(reply)/AccountSize)
	for i := range out {
		out[i].Decode(reply[i*AccountSize:])
	}
	return out, nil
}

// DecodeTransfers decodes a lookup_transfers / get_account_transfers reply.
func DecodeTransfers(reply []byte) ([]Transfer, error) {
	if len(reply)%TransferSize != 0 {
		return nil, fmt.Errorf("transfer reply of %d bytes is not a multiple of %d", len(reply), TransferSize)
	}
	out := make([]Transfer, len(reply)/TransferSize)
	for i := range out {
		out[i].Decode(reply[i*TransferSize:])
	}
	return out, nil
}

// DecodeCreateResults decodes a create_accounts / create_transfers reply.
func DecodeCreateResults(reply []byte) ([]CreateResult, error) {
	if len(reply)%CreateResultSize != 0 {
		return nil, fmt.Errorf("create result reply of %d bytes is not a multiple of %d", len(reply), CreateResultSize)
	}
	out := make([]CreateResult, len(reply)/CreateResultSize)
	for i := range out {
		off := i * CreateResultSize
		out[i] = CreateResult{
			Index:  binary.LittleEndian.Uint32(reply[off : off+4]),
			Result: binary.LittleEndian.Uint32(reply[off+4 : off+8]),
		}
	}
	return out, nil
}
