package cli

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/auth"
	"github.com/gortc/turnrelay/internal/filter"
	"github.com/gortc/turnrelay/internal/hook"
	"github.com/gortc/turnrelay/internal/manage"
	"github.com/gortc/turnrelay/internal/reload"
	"github.com/gortc/turnrelay/internal/server"
	"github.com/gortc/turnrelay/internal/stun"
)

const keyPrometheusActive = "server.prometheus.active"

// listenFunc opens laddr and runs a Server against it until the listener
// fails or the process exits. Exposed as a parameter so tests can swap it
// for a recording stub instead of binding real sockets.
type listenFunc func(log *zap.Logger, serverNet, laddr string, u *server.Updater) error

// ListenUDPAndServe opens a UDP listener on laddr (honouring
// Options.ReusePort when the platform supports SO_REUSEPORT), builds a
// Server from u's current Options against it, subscribes the server to u so
// a later reload reaches it, and serves until the socket closes.
func ListenUDPAndServe(log *zap.Logger, serverNet, laddr string, u *server.Updater) error {
	var (
		conn net.PacketConn
		err  error
	)
	opt := u.Get()
	if reuseport.Available() && opt.ReusePort {
		conn, err = reuseport.ListenPacket(serverNet, laddr)
	} else {
		conn, err = net.ListenPacket(serverNet, laddr)
	}
	if err != nil {
		return err
	}
	opt.Conns = []net.PacketConn{conn}
	opt.Log = log
	s, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(s)
	return s.Serve()
}

// normalize fills in the default STUN port when addr carries none.
func normalize(addr string) string {
	if addr == "" {
		addr = "0.0.0.0"
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, stun.DefaultPort)
	}
	return addr
}

// parseFilteringRules builds the peer or client filter.Rule named by key
// ("peer" or "client") from the filter.<key>.rules and filter.<key>.action
// config keys.
func parseFilteringRules(v *viper.Viper, log *zap.Logger, key string) (filter.Rule, error) {
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if err := v.UnmarshalKey("filter."+key+".rules", &rawRules); err != nil {
		log.Error("failed to parse rules", zap.Error(err))
		return nil, err
	}
	var rules []filter.Rule
	for _, raw := range rawRules {
		var action filter.Action
		switch strings.ToLower(raw.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			log.Error("failed to parse action", zap.String("action", raw.Action))
			return nil, fmt.Errorf("unknown action %s", raw.Action)
		}
		rule, err := filter.StaticNetRule(action, raw.Net)
		if err != nil {
			log.Error("failed to parse subnet", zap.Error(err), zap.String("net", raw.Net))
			return nil, err
		}
		log.Info("added rule", zap.Stringer("action", action), zap.String("net", raw.Net))
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, fmt.Errorf("default action cannot be pass")
	default:
		return nil, fmt.Errorf("unknown default action")
	}
	log.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

// parseStaticCredentials decodes the auth.static config key into a
// StaticCredential list. The realm argument is recorded only for logging;
// authentication always checks against the server's single configured
// realm (the integrity key is tied to one realm per session, not one per
// credential entry).
func parseStaticCredentials(v *viper.Viper, log *zap.Logger, realm string) []auth.StaticCredential {
	var creds []auth.StaticCredential
	if err := v.UnmarshalKey("auth.static", &creds); err != nil {
		log.Error("failed to parse auth.static config", zap.Error(err))
		return nil
	}
	log.Info("parsed credentials", zap.Int("n", len(creds)), zap.String("realm", realm))
	return creds
}

// parseOptions fills in opt's server.Options fields from v, building the
// Observer chain (static credentials, optionally a TURN REST secret) and
// the peer/client filters. The caller supplies a zero-value or
// already-populated Options; parseOptions only ever adds to it.
func parseOptions(v *viper.Viper, l *zap.Logger, opt *server.Options) error {
	opt.Realm = v.GetString("server.realm")
	opt.Workers = v.GetInt("server.workers")
	opt.AuthForSTUN = v.GetBool("auth.stun")
	opt.Software = v.GetString("server.software")
	opt.ReusePort = v.GetBool("server.reuseport")
	opt.AllocateRateLimit = v.GetFloat64("server.ratelimit.allocate")
	opt.NonceRateLimit = v.GetFloat64("server.ratelimit.nonce")

	filterLog := l.Named("filter")
	var err error
	if opt.PeerRule, err = parseFilteringRules(v, filterLog, "peer"); err != nil {
		l.Error("failed to parse peer rules", zap.Error(err))
		return err
	}
	if opt.ClientRule, err = parseFilteringRules(v, filterLog, "client"); err != nil {
		l.Error("failed to parse client rules", zap.Error(err))
		return err
	}
	if opt.Software != "" {
		l.Info("will be sending SOFTWARE attribute", zap.String("software", opt.Software))
	}
	if url := v.GetString("server.hooks.url"); url != "" {
		l.Info("dispatching lifecycle events", zap.String("url", url))
		opt.HookSink = hook.NewHTTPSink(url, 5*time.Second)
	}

	if v.GetBool("auth.public") {
		l.Warn("auth is public")
		return nil
	}
	credentials := parseStaticCredentials(v, l, opt.Realm)
	static := auth.NewStatic(l.Named("auth"), credentials)
	if secret := v.GetString("auth.rest.secret"); secret != "" {
		rest, restErr := auth.NewTURNRestCredentials([]byte(secret))
		if restErr != nil {
			l.Error("failed to build turn rest credentials", zap.Error(restErr))
			return restErr
		}
		opt.Observer = auth.NewMulti(static, rest)
	} else {
		opt.Observer = static
	}
	return nil
}

// getRoot builds the root "gortcd" cobra command against viper instance v,
// dispatching listeners through listen instead of calling
// ListenUDPAndServe directly so tests can observe what would be bound.
func getRoot(v *viper.Viper, listen listenFunc) *cobra.Command {
	cobra.OnInitialize(func() { initConfig(v) })
	root := &cobra.Command{
		Use:   "gortcd",
		Short: "gortcd is STUN and TURN server",
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(v)
			if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
				l.Info("config file used", zap.String("path", cfgPath))
			} else {
				l.Info("default configuration used")
			}
			if strings.Split(v.GetString("version"), ".")[0] != "1" {
				l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
			}

			reg := prometheus.NewPedanticRegistry()
			if addr := v.GetString("server.prometheus.addr"); addr != "" {
				l.Warn("running prometheus metrics", zap.String("addr", addr))
				go serveMetrics(l, reg, addr)
			} else if v.GetBool(keyPrometheusActive) {
				l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
			}
			if addr := v.GetString("server.pprof"); addr != "" {
				l.Warn("running pprof", zap.String("addr", addr))
				go servePprof(l, addr)
			}

			o := server.Options{Log: l, Registry: reg}
			if err := parseOptions(v, l, &o); err != nil {
				l.Fatal("failed to parse config", zap.Error(err))
			}
			u := server.NewUpdater(o)

			n := reload.NewNotifier()
			go watchReload(v, l, reg, u, n)

			if addr := v.GetString("api.addr"); addr != "" {
				m := manage.NewManager(l.Named("api"), n)
				go func() {
					l.Info("api listening", zap.String("addr", addr))
					if err := http.ListenAndServe(addr, m); err != nil { // #nosec -- management API bind address is operator-configured
						l.Error("failed to listen on management API addr", zap.String("addr", addr), zap.Error(err))
					}
				}()
			}

			listeners := v.GetStringSlice("server.listen")
			wg := new(sync.WaitGroup)
			for _, addr := range listeners {
				l.Info("got addr", zap.String("addr", addr))
				normalized := normalize(addr)
				wg.Add(1)
				go func(addr string) {
					defer wg.Done()
					l.Info("gortc/turnrelay listening", zap.String("addr", addr), zap.String("network", "udp"))
					if err := listen(l, "udp", addr, u); err != nil {
						l.Fatal("failed to listen", zap.Error(err))
					}
				}(normalized)
			}
			wg.Wait()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/gortcd.yml)")
	root.Flags().StringArrayP("listen", "l", []string{"0.0.0.0:3478"}, "listen address")
	root.Flags().String("pprof", "", "pprof address if specified")
	mustBind(v.BindPFlag("server.listen", root.Flags().Lookup("listen")))
	mustBind(v.BindPFlag("server.pprof", root.Flags().Lookup("pprof")))
	root.AddCommand(getKeyCmd())
	root.AddCommand(getReloadCmd(v))
	return root
}

func serveMetrics(l *zap.Logger, reg *prometheus.Registry, addr string) {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(l),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	if err := http.ListenAndServe(addr, handler); err != nil { // #nosec -- metrics bind address is operator-configured
		l.Error("prometheus failed to listen", zap.String("addr", addr), zap.Error(err))
	}
}

func servePprof(l *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := http.ListenAndServe(addr, mux); err != nil { // #nosec -- pprof bind address is operator-configured
		l.Error("pprof failed to listen", zap.String("addr", addr), zap.Error(err))
	}
}

// watchReload re-reads v's config file each time n fires (SIGUSR2 or the
// management API's /reload) and pushes the result to u, which propagates
// it to every subscribed Server via Reconfigure.
func watchReload(v *viper.Viper, l *zap.Logger, reg *prometheus.Registry, u *server.Updater, n reload.Notifier) {
	for range n.C {
		l.Info("trying to update config")
		if err := v.ReadInConfig(); err != nil {
			l.Error("failed to read config", zap.Error(err))
			continue
		}
		l.Info("config read", zap.String("path", v.ConfigFileUsed()))
		o := server.Options{Log: l, Registry: reg}
		if err := parseOptions(v, l, &o); err != nil {
			l.Error("failed to parse config", zap.Error(err))
			continue
		}
		u.Set(o)
		l.Info("config updated")
	}
}
