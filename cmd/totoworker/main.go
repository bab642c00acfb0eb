// Command totoworker runs the Worker Service half of the dispatch
// fabric from spec §4.6: one Worker Service per process (daemon mode
// starts --processes of them) resolving
// methods against internal/methodregistry and replying to a Worker
// Connection over the message-queue wire binding. Flags mirror
// cmd/totoserver's CLI surface (spec §4.8), built the same way on
// github.com/spf13/cobra + github.com/spf13/viper.
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jeremyot/toto/internal/daemon"
	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/methods"
	"github.com/jeremyot/toto/internal/workersvc"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "totoworker").Logger()

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("totoworker: fatal")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "totoworker",
		Short: "Run the toto Worker Service",
		RunE:  runWorker,
	}

	flags := root.Flags()
	flags.Bool("start", false, "alias for --daemon=start")
	flags.Bool("stop", false, "alias for --daemon=stop")
	flags.Bool("restart", false, "alias for --daemon=restart")
	flags.Bool("nodaemon", true, "run in the foreground instead of daemonizing")
	flags.Int("processes", 1, "number of worker processes started in daemon mode, 0 = one per CPU")
	flags.String("pidfile", "toto-worker.pid", "pidfile path; workers are named <stem>.<i>.pid")
	flags.String("port", "9000", "listen port; each daemonized instance gets port+i")
	flags.String("control_port", "9100", "control-channel port for status/shutdown")

	bindFlags("TOTOWORKER", flags, "start", "stop", "restart", "nodaemon", "processes", "pidfile", "port", "control_port")
	return root
}

// bindFlags wires each cobra flag into viper (BindPFlag) and a
// matching "<prefix>_<FLAG>" environment variable (BindEnv), the
// pattern stacklok/toolhive's config loader uses throughout
// cmd/thv-registry-api/app.
func bindFlags(prefix string, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("totoworker: failed to bind flag")
		}
		envVar := prefix + "_" + name
		if err := viper.BindEnv(name, envVar); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("totoworker: failed to bind env var")
		}
	}
}

func runWorker(_ *cobra.Command, _ []string) error {
	if idx := os.Getenv(daemon.WorkerIndexEnv); idx != "" {
		return runForeground(idx)
	}

	mode := resolveDaemonMode()
	if mode == "" {
		return runForeground("0")
	}

	sup := &daemon.Supervisor{
		Layout:      daemon.FileLayout{Stem: viper.GetString("pidfile")},
		Count:       processCount(),
		StopTimeout: 5 * time.Second,
		Spawn: func(index int) (*exec.Cmd, error) {
			c := exec.Command(os.Args[0], os.Args[1:]...)
			c.Env = append(os.Environ(), daemon.WorkerIndexEnv+"="+strconv.Itoa(index))
			return c, nil
		},
	}

	switch mode {
	case "start":
		return sup.Start()
	case "stop":
		return sup.Stop()
	case "restart":
		return sup.Restart()
	}
	return nil
}

func runForeground(index string) error {
	i, _ := strconv.Atoi(index)
	basePort, _ := strconv.Atoi(viper.GetString("port"))
	baseControlPort, _ := strconv.Atoi(viper.GetString("control_port"))
	port := basePort + i
	controlPort := baseControlPort + i

	registry := methodregistry.New()
	if err := methods.RegisterDemo(registry); err != nil {
		return err
	}

	svc := workersvc.New(workersvc.Config{
		ListenAddr: ":" + strconv.Itoa(port),
		Processes:  1,
	}, registry)

	if err := svc.ServeControl(":" + strconv.Itoa(controlPort)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("totoworker: shutting down")
		svc.Shutdown()
		cancel()
	}()

	log.Info().Int("port", port).Msg("totoworker: listening")
	return svc.Run(ctx)
}

func resolveDaemonMode() string {
	switch {
	case viper.GetBool("start"):
		return "start"
	case viper.GetBool("stop"):
		return "stop"
	case viper.GetBool("restart"):
		return "restart"
	case viper.GetBool("nodaemon"):
		return ""
	}
	return ""
}

func processCount() int {
	n := viper.GetInt("processes")
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}
