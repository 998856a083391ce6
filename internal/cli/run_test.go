package cli

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gortc/turnrelay/internal/server"
)

func getViper() *viper.Viper {
	v := viper.New()
	initViper(v)
	return v
}

func TestParseFiltering(t *testing.T) {
	v := getViper()
	v.Set("filter.key.rules", []map[string]string{
		{"net": "10.0.0.0/24", "action": "allow"},
		{"net": "20.0.0.0/24", "action": "deny"},
		{"net": "30.0.0.0/24", "action": "pass"},
	})
	v.Set("filter.key.action", "drop")
	rule, err := parseFilteringRules(v, zap.NewNop(), "key")
	if err != nil {
		t.Fatal(err)
	}
	if rule == nil {
		t.Fatal("expected a non-nil rule")
	}
}

func TestParseFilteringBadAction(t *testing.T) {
	v := getViper()
	v.Set("filter.key.action", "bogus")
	if _, err := parseFilteringRules(v, zap.NewNop(), "key"); err == nil {
		t.Fatal("expected an error for an unknown default action")
	}
}

func TestConfig(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		v := getViper()
		initConfig(v)
		l := getLogger(v)
		opt := server.Options{}
		if err := parseOptions(v, l, &opt); err != nil {
			t.Fatal(err)
		}
	})
}

func TestParseStaticCredentials(t *testing.T) {
	v := getViper()
	v.Set("auth.static", []map[string]string{
		{"username": "user", "password": "secret"},
		{"username": "foo", "password": "bar"},
	})
	creds := parseStaticCredentials(v, zap.NewNop(), "realm")
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Username != "user" || creds[0].Password != "secret" {
		t.Errorf("unexpected first credential: %+v", creds[0])
	}
	if creds[1].Username != "foo" || creds[1].Password != "bar" {
		t.Errorf("unexpected second credential: %+v", creds[1])
	}
}

func TestParseOptionsWiresTURNRest(t *testing.T) {
	v := getViper()
	v.Set("auth.rest.secret", "shared-secret")
	l := getLogger(v)
	opt := server.Options{}
	if err := parseOptions(v, l, &opt); err != nil {
		t.Fatal(err)
	}
	if opt.Observer == nil {
		t.Fatal("expected an Observer to be configured")
	}
	if _, ok := opt.Observer.GetPassword("1700000000:alice"); !ok {
		t.Fatal("expected the TURN REST observer to authenticate any username")
	}
}

func TestParseOptionsPublicAuth(t *testing.T) {
	v := getViper()
	v.Set("auth.public", true)
	l := getLogger(v)
	opt := server.Options{}
	if err := parseOptions(v, l, &opt); err != nil {
		t.Fatal(err)
	}
	if opt.Observer != nil {
		t.Fatal("expected no Observer to be set when auth.public is true")
	}
}

func TestSnap(t *testing.T) {
	v := getViper()
	name, err := ioutil.TempDir("", "gortcd_snap")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.RemoveAll(name)
	}()

	defer func(v string) {
		_ = os.Setenv("SNAP_USER_DATA", v)
	}(os.Getenv("SNAP_USER_DATA"))

	if err = os.Setenv("SNAP_USER_DATA", name); err != nil {
		t.Fatal(err)
	}

	initConfigSnap(v)
}

func TestRootRun(t *testing.T) {
	t.Run("Listen by flag", func(t *testing.T) {
		v := getViper()
		cmd := getRoot(v, func(log *zap.Logger, serverNet, laddr string, u *server.Updater) error {
			if laddr != "127.0.0.1:0" {
				t.Errorf("unexpected laddr %q", laddr)
			}
			return nil
		})
		f := cmd.Flags()
		if err := f.Set("listen", "127.0.0.1:0"); err != nil {
			t.Fatal(err)
		}
		cmd.Run(cmd, []string{})
	})
	t.Run("Multi-listen", func(t *testing.T) {
		v := getViper()
		var mux sync.Mutex
		addrMet := map[string]bool{
			"127.0.0.1:12111": false,
			"127.0.0.1:12112": false,
		}
		cmd := getRoot(v, func(log *zap.Logger, serverNet, laddr string, u *server.Updater) error {
			mux.Lock()
			defer mux.Unlock()
			if addrMet[laddr] {
				t.Errorf("already met %q", laddr)
			}
			if _, ok := addrMet[laddr]; !ok {
				t.Errorf("unexpected laddr %q", laddr)
			} else {
				addrMet[laddr] = true
			}
			return nil
		})
		v.Set("server.listen", []string{"127.0.0.1:12111", "127.0.0.1:12112"})
		cmd.Run(cmd, []string{})
	})
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"", "0.0.0.0:3478"},
		{"127.0.0.1", "127.0.0.1:3478"},
		{"10.0.0.5:10364", "10.0.0.5:10364"},
	} {
		if v := normalize(tc.in); v != tc.out {
			t.Errorf("normalize(%q): %q (got) != %q (expected)", tc.in, v, tc.out)
		}
	}
}
