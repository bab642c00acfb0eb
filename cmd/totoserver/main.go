// Command totoserver runs the Request Handler half of the dispatch
// fabric from spec §4.7: HTTP + WebSocket envelopes, session/HMAC
// auth, method dispatch against internal/methodregistry. CLI surface
// and daemonization follow spec §4.8, restored from
// original_source/totoserver.py and original_source/toto/server.py.
package main

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jeremyot/toto/internal/daemon"
	"github.com/jeremyot/toto/internal/handler"
	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/methods"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/sessioncache"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "totoserver").Logger()

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("totoserver: fatal")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "totoserver",
		Short: "Run the toto Request Handler",
		RunE:  runServer,
	}

	flags := root.Flags()
	flags.Bool("start", false, "alias for --daemon=start")
	flags.Bool("stop", false, "alias for --daemon=stop")
	flags.Bool("restart", false, "alias for --daemon=restart")
	flags.Bool("nodaemon", true, "run in the foreground instead of daemonizing")
	flags.Int("processes", 1, "number of daemon processes to run, 0 = one per CPU")
	flags.String("pidfile", "toto.pid", "pidfile path; daemon processes are named <stem>.<i>.pid")
	flags.String("port", "8888", "listen port; each daemonized instance gets port+i")
	flags.String("database", "memory", "session store backend: memory|postgres")
	flags.String("db_host", "localhost", "postgres host")
	flags.String("db_port", "5432", "postgres port")
	flags.String("db_name", "toto", "postgres database name")
	flags.String("db_user", "toto", "postgres user")
	flags.String("db_password", "", "postgres password")
	flags.String("redis_addr", "", "optional redis address for the session cache tier")
	flags.Bool("hmac", false, "verify request HMAC signatures when the header is sent, and sign responses")
	flags.Bool("use_cookies", false, "store the session id in a cookie instead of requiring the session header")

	bindFlags("TOTOSERVER", flags,
		"start", "stop", "restart", "nodaemon", "processes", "pidfile", "port",
		"database", "db_host", "db_port", "db_name", "db_user", "db_password",
		"redis_addr", "hmac", "use_cookies")
	return root
}

func bindFlags(prefix string, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("totoserver: failed to bind flag")
		}
		if err := viper.BindEnv(name, prefix+"_"+name); err != nil {
			log.Fatal().Err(err).Str("flag", name).Msg("totoserver: failed to bind env var")
		}
	}
}

func runServer(_ *cobra.Command, _ []string) error {
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

func runForeground(index string) error {
	i, _ := strconv.Atoi(index)
	basePort, _ := strconv.Atoi(viper.GetString("port"))
	port := basePort + i

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return err
	}

	registry := methodregistry.New()
	if err := methods.Register(registry, store); err != nil {
		return err
	}
	if err := methods.RegisterDemo(registry); err != nil {
		return err
	}

	h := handler.New(handler.Config{
		Methods:     registry,
		Store:       store,
		Cache:       cache,
		HMACEnabled: viper.GetBool("hmac"),
		CookieMode:  viper.GetBool("use_cookies"),
	})

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("totoserver: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("totoserver: http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("totoserver: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context) (session.Store, error) {
	switch viper.GetString("database") {
	case "postgres":
		url := "postgres://" + viper.GetString("db_user") + ":" + viper.GetString("db_password") +
			"@" + viper.GetString("db_host") + ":" + viper.GetString("db_port") + "/" + viper.GetString("db_name")
		return session.OpenPostgres(ctx, url, session.DefaultTTL)
	default:
		return session.NewMemoryStore(session.DefaultTTL), nil
	}
}

func openCache() (sessioncache.Cache, error) {
	addr := viper.GetString("redis_addr")
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return sessioncache.NewRedisCache(client, "toto:session:"), nil
}
