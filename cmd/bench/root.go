package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/ValentinKolb/ledgerbridge/cmd/util"
	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/ledger"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// BenchCmd represents the benchmark command
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for the ledger client",
		Long:    "Submits batches of transfers (or accounts) from concurrent goroutines and reports latency and throughput.",
		PreRunE: processBenchConfig,
		RunE:    run,
	}

	benchConf = benchConfig{}
)

// benchConfig holds the parameters of one benchmark run
type benchConfig struct {
	Operation    engine.Operation
	Threads      int
	BatchSize    int
	Batches      int
	Rate         float64
	MaxRetryWait time.Duration
}

// benchResult is the outcome of one benchmark run
type benchResult struct {
	Duration   time.Duration
	Requests   int64
	Records    int64
	Failed     int64
	Retries    int64
	Latency    gometrics.Timer
	Throughput gometrics.Meter
	Stats      ledger.Stats
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(BenchCmd)

	key := "op"
	BenchCmd.Flags().String(key, "create_transfers", util.WrapString("Operation to benchmark (create_transfers, create_accounts, lookup_accounts)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines submitting requests"))
	key = "batch"
	BenchCmd.Flags().Int(key, 100, util.WrapString("Number of records per request"))
	key = "batches"
	BenchCmd.Flags().Int(key, 1000, util.WrapString("Total number of requests"))
	key = "rate"
	BenchCmd.Flags().Float64(key, 0, util.WrapString("Maximum requests per second (0 for unlimited)"))
	key = "max-retry-wait"
	BenchCmd.Flags().Duration(key, 5*time.Second, util.WrapString("How long a request is retried while the client is overloaded"))
	key = "metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the client metrics in Prometheus format after the run"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	switch op := viper.GetString("op"); op {
	case "create_transfers":
		benchConf.Operation = engine.OperationCreateTransfers
	case "create_accounts":
		benchConf.Operation = engine.OperationCreateAccounts
	case "lookup_accounts":
		benchConf.Operation = engine.OperationLookupAccounts
	default:
		return fmt.Errorf("invalid operation %s", op)
	}

	benchConf.Threads = viper.GetInt("threads")
	benchConf.BatchSize = viper.GetInt("batch")
	benchConf.Batches = viper.GetInt("batches")
	benchConf.Rate = viper.GetFloat64("rate")
	benchConf.MaxRetryWait = viper.GetDuration("max-retry-wait")

	if benchConf.Threads < 1 || benchConf.BatchSize < 1 || benchConf.Batches < 1 {
		return fmt.Errorf("threads, batch and batches must be positive")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	client, err := util.OpenClient()
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for the ledger client")
	fmt.Println()
	fmt.Println("Configuration:")
	config := client.Config()
	fmt.Println(config.String())
	fmt.Printf("Operation: %s, Threads: %d, Batch: %d, Batches: %d\n",
		benchConf.Operation, benchConf.Threads, benchConf.BatchSize, benchConf.Batches)
	fmt.Println()

	result, runErr := runBenchmark(context.Background(), client, benchConf)
	if err := client.Close(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	result.Stats = client.Stats()
	printResult(result)

	if viper.GetBool("metrics") {
		fmt.Println()
		client.WriteMetrics(os.Stdout)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultToCSV(csvPath, result, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// runBenchmark submits conf.Batches requests from conf.Threads goroutines
func runBenchmark(ctx context.Context, client *ledger.Client, conf benchConfig) (*benchResult, error) {
	registry := gometrics.NewRegistry()
	result := &benchResult{
		Latency:    gometrics.NewRegisteredTimer("bench.latency", registry),
		Throughput: gometrics.NewRegisteredMeter("bench.records", registry),
	}
	defer result.Throughput.Stop()
	failed := gometrics.NewRegisteredCounter("bench.failed", registry)
	retries := gometrics.NewRegisteredCounter("bench.retries", registry)

	limit := rate.Inf
	if conf.Rate > 0 {
		limit = rate.Limit(conf.Rate)
	}
	limiter := rate.NewLimiter(limit, conf.Threads)

	// requests are handed out through a channel so every goroutine stays busy
	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < conf.Batches; i++ {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	start := time.Now()
	for t := 0; t < conf.Threads; t++ {
		g.Go(func() error {
			for range jobs {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}

				request := buildRequest(conf.Operation, conf.BatchSize)
				pending, n, err := util.SubmitWithRetry(gctx, client, conf.Operation, request, conf.MaxRetryWait)
				retries.Inc(int64(n))
				if err != nil {
					// a non retryable error means the run is broken
					if !ledger.IsRetryable(err) {
						return err
					}
					failed.Inc(1)
					continue
				}

				if _, err := pending.Wait(gctx); err != nil {
					util.Logger.Warningf("request failed: %v", err)
					failed.Inc(1)
					continue
				}
				result.Latency.UpdateSince(pending.SubmittedAt())
				result.Throughput.Mark(int64(conf.BatchSize))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	result.Requests = result.Latency.Count()
	result.Records = result.Throughput.Count()
	result.Failed = failed.Count()
	result.Retries = retries.Count()
	return result, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// buildRequest creates a batch of n records with fresh random ids
func buildRequest(op engine.Operation, n int) []byte {
	switch op {
	case engine.OperationCreateAccounts:
		accounts := make([]records.Account, n)
		for i := range accounts {
			accounts[i] = records.Account{ID: util.NewID(), Ledger: 1, Code: 1}
		}
		return records.EncodeAccounts(accounts)
	case engine.OperationLookupAccounts:
		ids := make([]engine.Uint128, n)
		for i := range ids {
			ids[i] = util.NewID()
		}
		return records.EncodeIDs(ids)
	default:
		transfers := make([]records.Transfer, n)
		for i := range transfers {
			transfers[i] = records.Transfer{
				ID:              util.NewID(),
				DebitAccountID:  engine.Uint128FromUint64(1),
				CreditAccountID: engine.Uint128FromUint64(2),
				Amount:          engine.Uint128FromUint64(1),
				Ledger:          1,
				Code:            1,
			}
		}
		return records.EncodeTransfers(transfers)
	}
}

// printResult prints the result of a benchmark run in a formatted way
func printResult(r *benchResult) {
	ps := r.Latency.Percentiles([]float64{0.5, 0.99})
	seconds := math.Max(r.Duration.Seconds(), 1e-9)

	fmt.Printf("%-20s%d (%d failed, %d retries)\n", "requests", r.Requests, r.Failed, r.Retries)
	fmt.Printf("%-20s%s\n", "duration", r.Duration.Round(time.Millisecond))
	fmt.Printf("%-20s%s\n", "latency p50", time.Duration(ps[0]))
	fmt.Printf("%-20s%s\n", "latency p99", time.Duration(ps[1]))
	fmt.Printf("%-20s%s\n", "latency max", time.Duration(r.Latency.Max()))
	fmt.Printf("%-20s%.0f req/sec\n", "throughput", float64(r.Requests)/seconds)
	fmt.Printf("%-20s%.0f records/sec\n", "", float64(r.Records)/seconds)
	fmt.Printf("%-20s%d overloaded, %d rejected, %d stale\n", "client",
		r.Stats.Overloaded, r.Stats.Rejected, r.Stats.StaleCompletions)
}

// writeResultToCSV writes the benchmark result to a CSV file
func writeResultToCSV(csvPath string, r *benchResult, config ledger.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Operation", "Threads", "BatchSize", "Requests", "Failed", "Retries",
		"DurationMs", "P50Ns", "P99Ns", "MaxNs", "RecordsPerSec",
		"Engine", "ConcurrencyMax",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	ps := r.Latency.Percentiles([]float64{0.5, 0.99})
	row := []string{
		benchConf.Operation.String(),
		strconv.Itoa(benchConf.Threads),
		strconv.Itoa(benchConf.BatchSize),
		strconv.FormatInt(r.Requests, 10),
		strconv.FormatInt(r.Failed, 10),
		strconv.FormatInt(r.Retries, 10),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		fmt.Sprintf("%.0f", ps[0]),
		fmt.Sprintf("%.0f", ps[1]),
		strconv.FormatInt(r.Latency.Max(), 10),
		fmt.Sprintf("%.0f", float64(r.Records)/math.Max(r.Duration.Seconds(), 1e-9)),
		viper.GetString("engine"),
		strconv.FormatUint(uint64(config.ConcurrencyMax), 10),
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %v", err)
	}
	return nil
}
