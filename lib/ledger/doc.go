// Package ledger is the client core that drives a callback based ledger engine.
//
// A Client owns one engine client handle and a fixed pool of packets. Submit
// copies a batch of fixed-stride records into a free packet, hands it to the
// engine and returns a PendingResult right away. The engine later invokes the
// completion callback on one of its own goroutines; the completion bridge
// finds the packet from its id, copies the borrowed reply, resolves the
// PendingResult exactly once and returns the packet to the pool.
//
// Guarantees:
//
//   - Submit never blocks. When every packet is in flight it fails with
//     ErrOverloaded and the caller decides whether to retry.
//   - A completion is delivered to exactly one PendingResult. Completions for
//     stale or unknown packet ids are counted and dropped.
//   - A panic while handling a completion fails only that packet, with an
//     *EngineRejectedError whose status is engine.PacketBridgeFault.
//   - Close waits for every in-flight packet before releasing the engine
//     client, or asks the engine to fail them once Config.DrainTimeout elapsed.
//
// Example:
//
//	client, err := ledger.Open(ledger.Config{
//		ClusterID:      engine.Uint128FromUint64(0),
//		Addresses:      []string{"3000"},
//		ConcurrencyMax: 256,
//	}, memengine.New(memengine.Options{}))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	pending, err := client.Submit(engine.OperationCreateAccounts, records.EncodeAccounts(accounts))
//	if err != nil {
//		return err
//	}
//	reply, err := pending.Wait(ctx)
package ledger
