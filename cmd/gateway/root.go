package gateway

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ValentinKolb/ledgerbridge/cmd/util"
	"github.com/ValentinKolb/ledgerbridge/lib/common"
	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/engine/memengine"
	"github.com/ValentinKolb/ledgerbridge/lib/engine/tcpengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// GatewayCmd runs a simulated ledger gateway for the tcp engine
var GatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start a simulated ledger gateway",
	Long: `Start a gateway that speaks the tcp engine frame protocol and answers every request like the sim engine does.
It holds no ledger state and is meant for trying out and benchmarking the tcp engine.
The configuration can be set via command line flags or environment variables (e.g. LEDGER_LISTEN=0.0.0.0:3000)`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return util.BindCommandFlags(cmd)
	},
	RunE: run,
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	key := "listen"
	GatewayCmd.Flags().String(key, "127.0.0.1:3000", util.WrapString("The address on which the gateway will listen"))
	key = "workers"
	GatewayCmd.Flags().Int(key, 16, util.WrapString("Maximum concurrent requests per connection"))
	key = "latency"
	GatewayCmd.Flags().Duration(key, 0, util.WrapString("Simulated processing time per request"))
	key = "log-level"
	GatewayCmd.Flags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	listen := viper.GetString("listen")
	// a bare port listens on all interfaces
	if !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", listen, err)
	}

	latency := viper.GetDuration("latency")
	handler := func(op engine.Operation, payload []byte) (engine.PacketStatus, []byte) {
		if latency > 0 {
			time.Sleep(latency)
		}
		return memengine.DefaultHandler(op, payload)
	}

	g := tcpengine.NewGateway(handler, viper.GetInt("workers"))

	// close on interrupt
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		util.Logger.Infof("shutting down gateway")
		g.Close()
	}()

	return g.Serve(listener)
}
