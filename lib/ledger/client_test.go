package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/engine/memengine"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func testConfig(capacity uint32) Config {
	return Config{
		ClusterID:      engine.Uint128FromUint64(42),
		Addresses:      []string{"3001"},
		ConcurrencyMax: capacity,
	}
}

func openClient(t *testing.T, config Config, opts memengine.Options) (*Client, *memengine.Client) {
	t.Helper()
	eng := memengine.New(opts)
	c, err := Open(config, eng)
	require.NoError(t, err)
	return c, eng.Client()
}

// echoLookup answers lookup_accounts with one account record per id that
// carries the id in its first 16 bytes.
func echoLookup(op engine.Operation, payload []byte) (engine.PacketStatus, []byte) {
	if op != engine.OperationLookupAccounts {
		return memengine.DefaultHandler(op, payload)
	}
	n := len(payload) / records.IDSize
	reply := make([]byte, n*records.AccountSize)
	for i := 0; i < n; i++ {
		copy(reply[i*records.AccountSize:], payload[i*records.IDSize:(i+1)*records.IDSize])
	}
	return engine.PacketOk, reply
}

func idPayload(v uint64) []byte {
	return records.EncodeIDs([]engine.Uint128{engine.Uint128FromUint64(v)})
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --------------------------------------------------------------------------
// Open
// --------------------------------------------------------------------------

func TestOpenRejectsInvalidConfig(t *testing.T) {
	eng := memengine.New(memengine.Options{})

	config := testConfig(4)
	config.Addresses = []string{"localhost:notaport"}
	_, err := Open(config, eng)
	require.ErrorIs(t, err, ErrConnection)
	var initErr *engine.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, engine.InitAddressInvalid, initErr.Status)

	config = testConfig(0)
	_, err = Open(config, eng)
	assert.ErrorIs(t, err, ErrConnection)

	config = testConfig(MaxConcurrency + 1)
	_, err = Open(config, eng)
	assert.ErrorIs(t, err, ErrConnection)

	assert.Nil(t, eng.Client(), "engine must not be initialized for an invalid config")
}

func TestOpenReportsEngineInitFailure(t *testing.T) {
	_, err := Open(testConfig(4), failingEngine{status: engine.InitSystemResources})
	require.ErrorIs(t, err, ErrConnection)

	var initErr *engine.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, engine.InitSystemResources, initErr.Status)
}

type failingEngine struct {
	status engine.InitStatus
}

func (f failingEngine) Init(engine.Uint128, []string, uint32, engine.CompletionFunc) (engine.IEngineClient, error) {
	return nil, &engine.InitError{Status: f.status}
}

// --------------------------------------------------------------------------
// Submit
// --------------------------------------------------------------------------

func TestSubmitDeliversEachReplyToItsCaller(t *testing.T) {
	const n = 64
	c, _ := openClient(t, testConfig(n), memengine.Options{Workers: 8, Handler: echoLookup})
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			pending, err := c.Submit(engine.OperationLookupAccounts, idPayload(v))
			if err != nil {
				errs <- err
				return
			}
			reply, err := pending.Wait(waitCtx(t))
			if err != nil {
				errs <- err
				return
			}
			accounts, err := records.DecodeAccounts(reply)
			if err != nil {
				errs <- err
				return
			}
			if len(accounts) != 1 || accounts[0].ID != engine.Uint128FromUint64(v) {
				errs <- fmt.Errorf("caller %d got %v", v, accounts)
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	stats := c.Stats()
	assert.EqualValues(t, n, stats.Submitted)
	assert.EqualValues(t, n, stats.Completed)
	assert.Zero(t, stats.Overloaded)
	assert.Zero(t, stats.StaleCompletions)
	assert.Zero(t, stats.InFlight)
}

func TestSubmitOverloadedWhenPoolExhausted(t *testing.T) {
	c, native := openClient(t, testConfig(2), memengine.Options{Manual: true})
	defer c.Close()

	first, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	_, err = c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)

	_, err = c.Submit(engine.OperationCreateAccounts, nil)
	require.ErrorIs(t, err, ErrOverloaded)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.True(t, IsRetryable(err))
	assert.EqualValues(t, 1, c.Stats().Overloaded)

	require.NoError(t, native.WaitParked(waitCtx(t), 2))
	require.True(t, native.CompleteNext())
	_, err = first.Wait(waitCtx(t))
	require.NoError(t, err)

	// the slot is released right after the result is resolved
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	fourth, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID().Index(), fourth.ID().Index())
	assert.NotEqual(t, first.ID().Generation(), fourth.ID().Generation())

	require.NoError(t, native.WaitParked(waitCtx(t), 2))
	native.CompleteAll()
}

func TestSubmitOverloadedBeyondCapacityConcurrently(t *testing.T) {
	const capacity = 8
	c, native := openClient(t, testConfig(capacity), memengine.Options{Manual: true})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, overloaded := 0, 0
	for i := 0; i < 3*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(engine.OperationCreateTransfers, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrOverloaded):
				overloaded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, 2*capacity, overloaded)

	require.NoError(t, native.WaitParked(waitCtx(t), capacity))
	native.CompleteAll()
	require.NoError(t, c.Close())
	assert.Zero(t, c.Stats().InFlight)
}

func TestSubmitRejectsInvalidPayloadSize(t *testing.T) {
	c, native := openClient(t, testConfig(4), memengine.Options{})
	defer c.Close()

	_, err := c.Submit(engine.OperationCreateAccounts, make([]byte, records.AccountSize+1))
	require.ErrorIs(t, err, ErrInvalidPayloadSize)
	assert.False(t, IsRetryable(err))

	_, err = c.Submit(engine.OperationGetAccountBalances, make([]byte, records.IDSize))
	require.ErrorIs(t, err, ErrInvalidPayloadSize)

	assert.Zero(t, native.Submitted(), "engine must not see invalid payloads")
	assert.Zero(t, c.Stats().InFlight)
}

func TestSubmitRejectsUnknownOperation(t *testing.T) {
	c, native := openClient(t, testConfig(4), memengine.Options{})
	defer c.Close()

	_, err := c.Submit(engine.Operation(3), nil)
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Zero(t, native.Submitted())
}

func TestSubmitEmptyBatch(t *testing.T) {
	c, _ := openClient(t, testConfig(4), memengine.Options{})
	defer c.Close()

	pending, err := c.Submit(engine.OperationLookupAccounts, nil)
	require.NoError(t, err)
	reply, err := pending.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestSubmitCopiesRequest(t *testing.T) {
	c, native := openClient(t, testConfig(2), memengine.Options{Manual: true, Handler: echoLookup})
	defer c.Close()

	request := idPayload(7)
	pending, err := c.Submit(engine.OperationLookupAccounts, request)
	require.NoError(t, err)

	// the caller reuses its buffer before the engine got to the packet
	copy(request, idPayload(99))

	require.NoError(t, native.WaitParked(waitCtx(t), 1))
	native.CompleteAll()

	reply, err := pending.Wait(waitCtx(t))
	require.NoError(t, err)
	accounts, err := records.DecodeAccounts(reply)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, engine.Uint128FromUint64(7), accounts[0].ID)
}

func TestSubmitEngineError(t *testing.T) {
	busy := errors.New("engine busy")
	c, native := openClient(t, testConfig(1), memengine.Options{Admit: func(*engine.Packet) error { return busy }})
	defer c.Close()

	_, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.ErrorIs(t, err, busy)
	assert.False(t, IsRetryable(err))

	stats := c.Stats()
	assert.Zero(t, stats.InFlight, "packet must go back to the pool")
	assert.Zero(t, stats.Submitted)
	assert.Zero(t, native.Submitted())

	// the single slot is usable again
	_, err = c.Submit(engine.OperationCreateAccounts, nil)
	require.ErrorIs(t, err, busy)
	assert.NotErrorIs(t, err, ErrOverloaded)
}

func TestSubmitEngineShutdownMapsToHandleClosed(t *testing.T) {
	c, _ := openClient(t, testConfig(1), memengine.Options{Admit: func(*engine.Packet) error { return engine.ErrClientShutdown }})
	defer c.Close()

	_, err := c.Submit(engine.OperationCreateAccounts, nil)
	assert.ErrorIs(t, err, ErrHandleClosed)
}

// --------------------------------------------------------------------------
// Completion bridge
// --------------------------------------------------------------------------

func TestEngineRejectionIsReported(t *testing.T) {
	c, _ := openClient(t, testConfig(2), memengine.Options{Handler: func(engine.Operation, []byte) (engine.PacketStatus, []byte) {
		return engine.PacketTooMuchData, nil
	}})
	defer c.Close()

	pending, err := c.Submit(engine.OperationCreateTransfers, make([]byte, records.TransferSize))
	require.NoError(t, err)

	_, err = pending.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrEngineRejected)

	var rejected *EngineRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, engine.PacketTooMuchData, rejected.Status)
	assert.Equal(t, engine.OperationCreateTransfers, rejected.Operation)
	assert.EqualValues(t, 1, c.Stats().Rejected)
}

func TestMalformedReply(t *testing.T) {
	c, _ := openClient(t, testConfig(2), memengine.Options{Handler: func(engine.Operation, []byte) (engine.PacketStatus, []byte) {
		return engine.PacketOk, make([]byte, records.CreateResultSize+3)
	}})
	defer c.Close()

	pending, err := c.Submit(engine.OperationCreateAccounts, make([]byte, records.AccountSize))
	require.NoError(t, err)

	_, err = pending.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestReplySurvivesEngineBufferReuse(t *testing.T) {
	want := make([]byte, 2*records.CreateResultSize)
	for i := range want {
		want[i] = byte(i + 1)
	}
	c, native := openClient(t, testConfig(2), memengine.Options{Handler: func(engine.Operation, []byte) (engine.PacketStatus, []byte) {
		return engine.PacketOk, want
	}})

	pending, err := c.Submit(engine.OperationCreateAccounts, make([]byte, 2*records.AccountSize))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Zero(t, native.InFlight())

	// the engine has overwritten its buffer by now
	reply, err := pending.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, want, reply)
	assert.False(t, bytes.Contains(reply, []byte{0xAA}))
}

func TestCompletionPanicFailsOnlyThatPacket(t *testing.T) {
	c, _ := openClient(t, testConfig(1), memengine.Options{})
	defer c.Close()

	var once sync.Once
	completionHook = func(PacketID, engine.PacketStatus, []byte) {
		once.Do(func() { panic("decoder blew up") })
	}
	defer func() { completionHook = nil }()

	pending, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrEngineRejected)

	var rejected *EngineRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, engine.PacketBridgeFault, rejected.Status)

	// the one slot came back and the bridge keeps working
	require.Eventually(t, func() bool { return c.Stats().InFlight == 0 }, time.Second, time.Millisecond)
	pending, err = c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.EqualValues(t, 1, c.Stats().BridgeFaults)
}

func TestReleasePanicDoesNotBlockClose(t *testing.T) {
	c, native := openClient(t, testConfig(1), memengine.Options{Manual: true})

	pending, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.NoError(t, native.WaitParked(waitCtx(t), 1))

	// a foreign entry fills the free list so the release overflows it
	require.True(t, c.pool.free.TryEnqueue(0))
	require.True(t, native.CompleteNext())

	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().BridgeFaults == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked after a failed release")
	}
}

func TestStaleAndDuplicateCompletionsAreIgnored(t *testing.T) {
	c, native := openClient(t, testConfig(1), memengine.Options{Manual: true})
	defer c.Close()

	first, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.NoError(t, native.WaitParked(waitCtx(t), 1))
	native.CompleteAll()
	_, err = first.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().InFlight == 0 }, time.Second, time.Millisecond)

	// duplicate of a finished packet
	native.InjectCompletion(uint64(first.ID()), engine.PacketOk, nil)
	assert.EqualValues(t, 1, c.Stats().StaleCompletions)

	// same slot, next generation
	second, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID().Index(), second.ID().Index())

	native.InjectCompletion(uint64(first.ID()), engine.PacketInvalidDataSize, nil)
	native.InjectCompletion(uint64(newPacketID(17, 1)), engine.PacketOk, nil)
	assert.EqualValues(t, 3, c.Stats().StaleCompletions)

	_, _, done := second.Result()
	assert.False(t, done, "stale completion must not resolve the live packet")

	require.NoError(t, native.WaitParked(waitCtx(t), 1))
	native.CompleteAll()
	_, err = second.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Stats().Completed)
}

// --------------------------------------------------------------------------
// Pending result
// --------------------------------------------------------------------------

func TestAbandonedWaitStillReclaimsPacket(t *testing.T) {
	c, native := openClient(t, testConfig(1), memengine.Options{Manual: true})
	defer c.Close()

	pending, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Submit(engine.OperationCreateAccounts, nil)
	require.ErrorIs(t, err, ErrOverloaded)

	require.NoError(t, native.WaitParked(waitCtx(t), 1))
	native.CompleteAll()

	<-pending.Done()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 0 }, time.Second, time.Millisecond)

	next, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.NoError(t, native.WaitParked(waitCtx(t), 1))
	native.CompleteAll()
	_, err = next.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestPendingResultAccessors(t *testing.T) {
	c, _ := openClient(t, testConfig(1), memengine.Options{})
	defer c.Close()

	before := time.Now()
	pending, err := c.Submit(engine.OperationLookupTransfers, idPayload(1))
	require.NoError(t, err)

	assert.Equal(t, engine.OperationLookupTransfers, pending.Operation())
	assert.False(t, pending.SubmittedAt().Before(before))

	first, err := pending.Wait(waitCtx(t))
	require.NoError(t, err)

	// waiting again returns the same result, even with a dead context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	second, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reply, err, ok := pending.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, first, reply)
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

func TestCloseWaitsForInFlightPackets(t *testing.T) {
	const m = 3
	// a full pool keeps probing submissions out of the engine
	c, native := openClient(t, testConfig(m), memengine.Options{Manual: true})

	pending := make([]*PendingResult, 0, m)
	for i := 0; i < m; i++ {
		p, err := c.Submit(engine.OperationCreateAccounts, nil)
		require.NoError(t, err)
		pending = append(pending, p)
	}
	require.NoError(t, native.WaitParked(waitCtx(t), m))

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, c.Close())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned with packets in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		_, err := c.Submit(engine.OperationCreateAccounts, nil)
		return errors.Is(err, ErrHandleClosed)
	}, time.Second, time.Millisecond)

	assert.Equal(t, m, native.CompleteAll())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the drain")
	}

	for _, p := range pending {
		_, err, ok := p.Result()
		require.True(t, ok)
		assert.NoError(t, err)
	}
	assert.Zero(t, native.InFlight())
}

func TestCloseDrainTimeoutFailsStragglers(t *testing.T) {
	config := testConfig(4)
	config.DrainTimeout = 20 * time.Millisecond
	c, native := openClient(t, config, memengine.Options{Manual: true})

	a, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	b, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.NoError(t, native.WaitParked(waitCtx(t), 2))

	require.NoError(t, c.Close())

	for _, p := range []*PendingResult{a, b} {
		_, err, ok := p.Result()
		require.True(t, ok, "Close must not return before every packet resolved")
		var rejected *EngineRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, engine.PacketClientShutdown, rejected.Status)
	}
	assert.Zero(t, c.Stats().InFlight)
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	c, native := openClient(t, testConfig(2), memengine.Options{Manual: true})

	_, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	require.NoError(t, native.WaitParked(waitCtx(t), 1))

	var wg sync.WaitGroup
	returned := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
			returned <- struct{}{}
		}()
	}

	select {
	case <-returned:
		t.Fatal("a Close call returned before teardown")
	case <-time.After(30 * time.Millisecond):
	}

	native.CompleteAll()
	wg.Wait()
	assert.Len(t, returned, 4)

	assert.NoError(t, c.Close())
	_, err = c.Submit(engine.OperationCreateAccounts, nil)
	assert.ErrorIs(t, err, ErrHandleClosed)
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

func TestWriteMetrics(t *testing.T) {
	c, _ := openClient(t, testConfig(2), memengine.Options{})

	pending, err := c.Submit(engine.OperationCreateAccounts, nil)
	require.NoError(t, err)
	_, err = pending.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	var buf bytes.Buffer
	c.WriteMetrics(&buf)
	out := buf.String()

	assert.Contains(t, out, `ledger_client_packets_submitted_total{cluster="42"} 1`)
	assert.Contains(t, out, `ledger_client_packets_completed_total{cluster="42"} 1`)
	assert.Contains(t, out, `ledger_client_packet_pool_capacity{cluster="42"} 2`)
	assert.Contains(t, out, "ledger_client_completion_seconds_bucket")
}
