package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Uint128
// --------------------------------------------------------------------------

// Uint128 is a 128 bit unsigned integer in the engine's little endian layout.
// It is used for cluster ids and record ids.
type Uint128 [16]byte

// Uint128FromUint64 returns the Uint128 holding v.
func Uint128FromUint64(v uint64) Uint128 {
	var u Uint128
	binary.LittleEndian.PutUint64(u[:8], v)
	return u
}

// ParseUint128 parses a decimal or 0x prefixed hexadecimal string.
func ParseUint128(s string) (Uint128, error) {
	var u Uint128
	s = strings.TrimSpace(s)
	if s == "" {
		return u, fmt.Errorf("empty uint128")
	}

	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return u, fmt.Errorf("invalid uint128 %q", s)
	}

	// big.Int bytes are big endian
	be := n.Bytes()
	for i := 0; i < len(be); i++ {
		u[i] = be[len(be)-1-i]
	}
	return u, nil
}

// IsZero reports whether u is zero.
func (u Uint128) IsZero() bool {
	return u == Uint128{}
}

// BigInt returns u as a big.Int.
func (u Uint128) BigInt() *big.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = u[15-i]
	}
	return new(big.Int).SetBytes(be)
}

func (u Uint128) String() string {
	return u.BigInt().String()
}

// Hex returns the big endian hex representation with 0x prefix.
func (u Uint128) Hex() string {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = u[15-i]
	}
	return "0x" + hex.EncodeToString(be)
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Operation is the request kind tag carried by every packet.
type Operation uint8

const (
	OperationCreateAccounts      Operation = 128
	OperationCreateTransfers     Operation = 129
	OperationLookupAccounts      Operation = 130
	OperationLookupTransfers     Operation = 131
	OperationGetAccountTransfers Operation = 132
	OperationGetAccountBalances  Operation = 133
)

// Operations lists every operation known to this client.
var Operations = []Operation{
	OperationCreateAccounts,
	OperationCreateTransfers,
	OperationLookupAccounts,
	OperationLookupTransfers,
	OperationGetAccountTransfers,
	OperationGetAccountBalances,
}

func (o Operation) String() string {
	switch o {
	case OperationCreateAccounts:
		return "create_accounts"
	case OperationCreateTransfers:
		return "create_transfers"
	case OperationLookupAccounts:
		return "lookup_accounts"
	case OperationLookupTransfers:
		return "lookup_transfers"
	case OperationGetAccountTransfers:
		return "get_account_transfers"
	case OperationGetAccountBalances:
		return "get_account_balances"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// --------------------------------------------------------------------------
// Status codes
// --------------------------------------------------------------------------

// InitStatus is the result of initializing an engine client.
type InitStatus uint32

const (
	InitSuccess InitStatus = iota
	InitUnexpected
	InitOutOfMemory
	InitAddressInvalid
	InitAddressLimitExceeded
	InitConcurrencyMaxInvalid
	InitSystemResources
	InitNetworkSubsystem
)

func (s InitStatus) String() string {
	switch s {
	case InitSuccess:
		return "success"
	case InitUnexpected:
		return "unexpected"
	case InitOutOfMemory:
		return "out of memory"
	case InitAddressInvalid:
		return "address invalid"
	case InitAddressLimitExceeded:
		return "address limit exceeded"
	case InitConcurrencyMaxInvalid:
		return "concurrency max invalid"
	case InitSystemResources:
		return "system resources"
	case InitNetworkSubsystem:
		return "network subsystem"
	default:
		return fmt.Sprintf("init status(%d)", uint32(s))
	}
}

// InitError is returned by IEngine.Init when the engine refuses to start.
type InitError struct {
	Status InitStatus
	Detail string
}

func (e *InitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine init failed: %s", e.Status)
	}
	return fmt.Sprintf("engine init failed: %s: %s", e.Status, e.Detail)
}

// PacketStatus is the status the engine reports with a completion.
type PacketStatus uint8

const (
	PacketOk PacketStatus = iota
	PacketTooMuchData
	PacketClientShutdown
	PacketInvalidOperation
	PacketInvalidDataSize
	PacketClientEvicted

	// PacketBridgeFault is never sent by an engine. The completion bridge uses it
	// for packets whose completion handling panicked.
	PacketBridgeFault PacketStatus = 255
)

func (s PacketStatus) String() string {
	switch s {
	case PacketOk:
		return "ok"
	case PacketTooMuchData:
		return "too much data"
	case PacketClientShutdown:
		return "client shutdown"
	case PacketInvalidOperation:
		return "invalid operation"
	case PacketInvalidDataSize:
		return "invalid data size"
	case PacketClientEvicted:
		return "client evicted"
	case PacketBridgeFault:
		return "bridge fault"
	default:
		return fmt.Sprintf("packet status(%d)", uint8(s))
	}
}

// --------------------------------------------------------------------------
// Address validation shared by engines
// --------------------------------------------------------------------------

// MaxAddresses is the largest replica address list an engine accepts.
const MaxAddresses = 32

// NormalizeAddresses checks that every address is a bare port or a host:port
// pair and returns them in host:port form (bare ports bind to 127.0.0.1).
func NormalizeAddresses(addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, &InitError{Status: InitAddressInvalid, Detail: "no addresses"}
	}
	if len(addresses) > MaxAddresses {
		return nil, &InitError{Status: InitAddressLimitExceeded, Detail: fmt.Sprintf("%d addresses (max %d)", len(addresses), MaxAddresses)}
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, &InitError{Status: InitAddressInvalid, Detail: "empty address"}
		}

		// bare port
		if port, err := strconv.ParseUint(addr, 10, 16); err == nil {
			if port == 0 {
				return nil, &InitError{Status: InitAddressInvalid, Detail: addr}
			}
			out = append(out, net.JoinHostPort("127.0.0.1", addr))
			continue
		}

		host, portStr, err := net.SplitHostPort(addr)
		if err != nil || host == "" {
			return nil, &InitError{Status: InitAddressInvalid, Detail: addr}
		}
		if port, err := strconv.ParseUint(portStr, 10, 16); err != nil || port == 0 {
			return nil, &InitError{Status: InitAddressInvalid, Detail: addr}
		}
		out = append(out, addr)
	}
	return out, nil
}
